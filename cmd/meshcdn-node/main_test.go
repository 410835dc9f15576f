package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshcdn/internal/daemon"
	"meshcdn/internal/mediator"
	"meshcdn/internal/proto"
	"meshcdn/internal/store"
)

func runCmd(t *testing.T, home string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("MESH_HOME", home)
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "meshcdn-node") {
		t.Fatalf("expected help output to mention meshcdn-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCmd(t, t.TempDir(), "bogus")
	if code != 1 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestTagCommands(t *testing.T) {
	home := t.TempDir()
	tag := proto.ResourceTag{EngineName: "store", Hash: proto.HashContent([]byte("x"))}

	if code, _, errOut := runCmd(t, home, "publish", tag.String()); code != 0 {
		t.Fatalf("publish failed: %s", errOut)
	}
	if code, _, errOut := runCmd(t, home, "want", "msg/"+tag.Hash.String()); code != 0 {
		t.Fatalf("want failed: %s", errOut)
	}
	code, out, _ := runCmd(t, home, "tags")
	if code != 0 || !strings.Contains(out, "publish store/") || !strings.Contains(out, "want    msg/") {
		t.Fatalf("unexpected tags output: %q", out)
	}
	code, out, _ = runCmd(t, home, "tags", "--kind", "want")
	if code != 0 || strings.Contains(out, "publish") {
		t.Fatalf("kind filter ignored: %q", out)
	}

	code, out, _ = runCmd(t, home, "unpublish", tag.String())
	if code != 0 || !strings.HasPrefix(out, "unpublish store/") {
		t.Fatalf("unpublish: %q", out)
	}
	code, out, _ = runCmd(t, home, "unpublish", tag.String())
	if code != 0 || !strings.Contains(out, "not present") {
		t.Fatalf("second unpublish: %q", out)
	}
}

func TestPublishFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("blob"), 0600); err != nil {
		t.Fatal(err)
	}
	code, out, errOut := runCmd(t, home, "publish-file", "--engine", "files", path)
	if code != 0 {
		t.Fatalf("publish-file failed: %s", errOut)
	}
	want := "files/" + proto.HashContent([]byte("blob")).String()
	if !strings.Contains(out, want) {
		t.Fatalf("expected %s in %q", want, out)
	}
}

func TestBadTagRejected(t *testing.T) {
	code, _, errOut := runCmd(t, t.TempDir(), "want", "nohash")
	if code != 1 || !strings.Contains(errOut, "engine/hexhash") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestAddNodeDefaultsToQUIC(t *testing.T) {
	home := t.TempDir()
	if code, _, errOut := runCmd(t, home, "add-node", "10.0.0.1:4242"); code != 0 {
		t.Fatalf("add-node failed: %s", errOut)
	}
	profiles, err := store.New(filepath.Join(home, "nodes.jsonl")).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || !profiles[0].HasAddress("quic://10.0.0.1:4242") {
		t.Fatalf("unexpected book: %+v", profiles)
	}
}

func TestStatusAndFindReadStatusFile(t *testing.T) {
	home := t.TempDir()
	tag := proto.ResourceTag{EngineName: "store", Hash: proto.HashContent([]byte("y"))}
	holder := proto.NewNodeProfile([]string{"quic://10.0.0.2:4242"}, []string{mediator.ServiceName, "store"})
	st := daemon.Status{
		Profile:   proto.NewNodeProfile([]string{"quic://10.0.0.1:4242"}, []string{mediator.ServiceName}),
		Mediator:  mediator.Report{NodeID: "abcd", CloudSize: 3},
		Locations: []daemon.Location{{Tag: tag.String(), Profiles: []proto.NodeProfile{holder}}},
	}
	if err := daemon.WriteStatus(filepath.Join(home, "status.json"), st); err != nil {
		t.Fatal(err)
	}

	code, out, _ := runCmd(t, home, "status")
	if code != 0 || !strings.Contains(out, "node abcd") || !strings.Contains(out, "cloud nodes: 3") {
		t.Fatalf("status: %q", out)
	}
	code, out, _ = runCmd(t, home, "find", tag.String())
	if code != 0 || strings.TrimSpace(out) != "quic://10.0.0.2:4242" {
		t.Fatalf("find: %q", out)
	}
}

func TestStatusWithoutNode(t *testing.T) {
	code, _, errOut := runCmd(t, t.TempDir(), "status")
	if code != 1 || !strings.Contains(errOut, "unavailable") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}
