package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chimera-nas/chimera-sub003/backend/memory"
	"github.com/chimera-nas/chimera-sub003/internal/mountopts"
	"github.com/chimera-nas/chimera-sub003/rootmod"
	"github.com/chimera-nas/chimera-sub003/vfs"
	"github.com/chimera-nas/chimera-sub003/vfserrno"
	"github.com/chimera-nas/chimera-sub003/vfsproc"
)

// mountSpec is one --mount flag value: path:module[:backend-path[:opts]].
type mountSpec struct {
	path        string
	module      string
	backendPath string
	opts        string
}

func parseMountSpec(raw string) (mountSpec, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 2 {
		return mountSpec{}, fmt.Errorf("--mount %q: expected path:module[:backend-path[:opts]]", raw)
	}
	spec := mountSpec{path: parts[0], module: parts[1]}
	if len(parts) > 2 {
		spec.backendPath = parts[2]
	}
	if len(parts) > 3 {
		spec.opts = parts[3]
	}
	return spec, nil
}

func newServeCommand() *cobra.Command {
	var (
		mountFlags  []string
		metricsAddr string
		numWorkers  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the VFS core and serve the configured mounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), mountFlags, metricsAddr, numWorkers)
		},
	}
	cmd.Flags().StringArrayVar(&mountFlags, "mount", nil,
		"mount a back-end module, repeatable: path:module[:backend-path[:k=v,...]]")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"if set, serve Prometheus metrics (the VFS's Registry) on this address")
	cmd.Flags().IntVar(&numWorkers, "workers", vfsproc.DefaultConfig().NumWorkers,
		"number of worker threads")
	return cmd
}

// registerBuiltinModules registers the back-end modules every process
// registers up front. Real deployments would load these by plugin/config instead; the
// core itself places no limit on module count (spec.md §4.1).
func registerBuiltinModules(v *vfsproc.VFS) error {
	return v.RegisterModule(memory.New())
}

func runServe(ctx context.Context, mountFlags []string, metricsAddr string, numWorkers int) error {
	log := logrus.StandardLogger()

	cfg := vfsproc.DefaultConfig()
	if numWorkers > 0 {
		cfg.NumWorkers = numWorkers
	}
	v := vfsproc.New(cfg, log)

	if err := registerBuiltinModules(v); err != nil {
		return fmt.Errorf("registering built-in modules: %w", err)
	}

	// The root pseudo-module's readdir needs to getattr each mount's root;
	// v.Getattr already has the exact signature rootmod.New wants, so it
	// is wired in directly rather than through an adapter.
	root := rootmod.New(v.Table(), v.Getattr)
	if err := v.RegisterModule(root); err != nil {
		return fmt.Errorf("registering root module: %w", err)
	}

	sysCred := vfs.Credentials{}
	if _, status := v.Mount(ctx, sysCred, "/", rootmod.Name, "", nil); status != vfserrno.OK {
		return fmt.Errorf("mounting root pseudo-module: status %s", status)
	}

	for _, raw := range mountFlags {
		spec, err := parseMountSpec(raw)
		if err != nil {
			return err
		}
		parsed, err := mountopts.Parse(spec.opts)
		if err != nil {
			return fmt.Errorf("--mount %q: %w", raw, err)
		}
		if _, status := v.Mount(ctx, sysCred, spec.path, spec.module, spec.backendPath, parsed.Backend); status != vfserrno.OK {
			return fmt.Errorf("mounting %q at %q: status %s", spec.module, spec.path, status)
		}
		log.WithFields(logrus.Fields{"path": spec.path, "module": spec.module}).Info("mounted")
	}

	v.Start()
	defer v.Shutdown()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(v.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
		log.WithField("addr", metricsAddr).Info("serving metrics")
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("shutting down")
	return nil
}
