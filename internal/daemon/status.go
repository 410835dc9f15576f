package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"meshcdn/internal/mediator"
	"meshcdn/internal/metrics"
	"meshcdn/internal/proto"
	"meshcdn/internal/tagstore"
)

// Status is what a running node writes for the CLI to read.
type Status struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Profile     proto.NodeProfile `json:"profile"`
	Mediator    mediator.Report   `json:"mediator"`
	Metrics     metrics.Snapshot  `json:"metrics"`
	Locations   []Location        `json:"locations"`
}

// Location lists nodes known to serve one wanted tag.
type Location struct {
	Tag      string              `json:"tag"`
	Profiles []proto.NodeProfile `json:"profiles"`
}

func (s Status) Find(tag proto.ResourceTag) []proto.NodeProfile {
	key := tag.String()
	for _, l := range s.Locations {
		if l.Tag == key {
			return l.Profiles
		}
	}
	return nil
}

func (r *Runner) Status(ctx context.Context) Status {
	profile, _ := r.Mediator.MyNodeProfile(ctx)
	st := Status{
		GeneratedAt: time.Now().UTC(),
		Profile:     profile,
		Mediator:    r.Mediator.Report(),
		Metrics:     r.Metrics.Snapshot(),
		Locations:   []Location{},
	}
	wants, err := r.Tags.Tags(ctx, tagstore.KindWant)
	if err != nil {
		r.log.Warn("status: want tags unavailable", zap.Error(err))
	}
	for _, tag := range wants {
		st.Locations = append(st.Locations, Location{
			Tag:      tag.String(),
			Profiles: r.Mediator.FindNodeProfiles(tag),
		})
	}
	return st
}

func (r *Runner) writeStatus(ctx context.Context) {
	if err := WriteStatus(r.Config.StatusPath(), r.Status(ctx)); err != nil {
		r.log.Warn("status write failed", zap.Error(err))
	}
}

// WriteStatus replaces path atomically.
func WriteStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
