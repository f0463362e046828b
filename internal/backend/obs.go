package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/yy945635407/screen-region-stream/internal/obs"
)

// OBSRemote adapts an obs-websocket client to Remote.
type OBSRemote struct {
	client *obs.Client
}

// NewOBSRemote creates the remote compositor backend for OBS Studio.
func NewOBSRemote(cfg obs.Config) *OBSRemote {
	return &OBSRemote{client: obs.New(cfg)}
}

func (r *OBSRemote) Name() string { return "obs" }

func (r *OBSRemote) Connect(ctx context.Context) error {
	if err := r.client.Connect(ctx); err != nil {
		return err
	}
	if v, err := r.client.Version(ctx); err == nil {
		log.Info("obs version", "obsVersion", v.ObsVersion, "platform", v.Platform)
	}
	return nil
}

func (r *OBSRemote) Ping(ctx context.Context) error {
	return wrapOBS(r.client.Ping(ctx))
}

func (r *OBSRemote) ListSources(ctx context.Context) ([]string, error) {
	names, err := r.client.ListSources(ctx)
	return names, wrapOBS(err)
}

func (r *OBSRemote) Screenshot(ctx context.Context, source string) ([]byte, error) {
	data, err := r.client.Screenshot(ctx, source)
	return data, wrapOBS(err)
}

func (r *OBSRemote) Close() error {
	return r.client.Close()
}

func wrapOBS(err error) error {
	if err != nil && errors.Is(err, obs.ErrNotConnected) {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return err
}
