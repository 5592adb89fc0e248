package cli

import (
	"errors"
	"io"
	"os"

	"github.com/ligmir/ligship/internal"
	"github.com/ligmir/ligship/internal/build"
	"github.com/ligmir/ligship/internal/cache"
	"github.com/ligmir/ligship/internal/executil"
	"github.com/ligmir/ligship/internal/ledger"
	"github.com/ligmir/ligship/internal/metrics"
	"github.com/ligmir/ligship/internal/pipeline"
	"github.com/ligmir/ligship/internal/runtime"
	"github.com/ligmir/ligship/internal/settings"
)

// Connects the pipeline to containerd, the layer cache, and the ledger.
//
// The returned function releases the containerd client and the ledger.
func openPipeline(s *settings.Settings) (*pipeline.Pipeline, func() error, error) {
	rt, err := runtime.New(s.Containerd.Address, s.Containerd.Namespace,
		runtime.WithSnapshotter(s.Containerd.Snapshotter),
	)
	if err != nil {
		return nil, nil, err
	}

	lg, err := ledger.Open(s.Ledger.Path)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	p := pipeline.New(pipeline.Deps{
		Checkout:      pipeline.NewCheckout(executil.ExecRunner{Log: buildLog()}, s.Build.WorkDir),
		Authenticator: s.Authenticator(),
		Builder:       build.NewBuilder(rt, cache.New(cache.NewFileStore(s.Cache.Dir))),
		Publisher:     rt,
		Ledger:        lg,
		Metrics:       metrics.Recorder{},
		Log:           buildLog(),
	})

	closer := func() error {
		return errors.Join(lg.Close(), rt.Close())
	}
	return p, closer, nil
}

// Returns the destination for build command output. Quiet mode discards it.
func buildLog() io.Writer {
	if internal.IsQuiet() {
		return io.Discard
	}
	return os.Stderr
}
