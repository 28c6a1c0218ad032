package base

import (
	"context"

	"github.com/ajitpratap0/atlas/pkg/connector/core"
	"github.com/ajitpratap0/atlas/pkg/errors"
)

// EmitFunc hands one asset to the consumer. It blocks while the consumer is
// busy and returns ctx.Err() once discovery is cancelled.
type EmitFunc func(*core.RawAsset) error

// NewAssetStream runs fn in a goroutine and exposes what it emits as an
// AssetStream. The error returned by fn, or a recovered panic, becomes the
// terminal error delivered after Assets is closed.
func NewAssetStream(ctx context.Context, buffer int, fn func(ctx context.Context, emit EmitFunc) error) *core.AssetStream {
	assets := make(chan *core.RawAsset, buffer)
	errs := make(chan error, 1)

	emit := func(a *core.RawAsset) error {
		select {
		case assets <- a:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(errs)
		if err := run(ctx, assets, emit, fn); err != nil {
			errs <- err
		}
	}()

	return &core.AssetStream{Assets: assets, Errors: errs}
}

func run(ctx context.Context, assets chan *core.RawAsset, emit EmitFunc, fn func(context.Context, EmitFunc) error) (err error) {
	defer close(assets)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "connector panicked: %v", r)
		}
	}()
	return fn(ctx, emit)
}

// Drain consumes a stream into a slice. It is meant for tests and small sources.
func Drain(stream *core.AssetStream) ([]*core.RawAsset, error) {
	var out []*core.RawAsset
	for a := range stream.Assets {
		out = append(out, a)
	}
	return out, <-stream.Errors
}
