package main

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/wskish/discobot-sub010/internal/config"
	"github.com/wskish/discobot-sub010/internal/sandbox"
	"github.com/wskish/discobot-sub010/internal/sandbox/docker"
	"github.com/wskish/discobot-sub010/internal/sandbox/local"
	"github.com/wskish/discobot-sub010/internal/sandbox/vm"
	"github.com/wskish/discobot-sub010/internal/session"
	"github.com/wskish/discobot-sub010/internal/store"
)

// newRuntime builds the backend adapter selected by sandbox.backend.
func newRuntime(cfg *config.Config, logger *slog.Logger) (sandbox.Runtime, error) {
	sb := cfg.Sandbox
	switch sb.Backend {
	case "docker":
		engine, err := docker.NewEngine(cfg.Docker.Host)
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return docker.New(engine, dockerConfig(cfg), logger.With("backend", "docker")), nil

	case "vm":
		p, err := vm.New(vm.Config{
			DataDir:            cfg.VM.DataDir,
			QemuBinary:         cfg.VM.QemuBinary,
			KernelPath:         cfg.VM.KernelPath,
			RootfsPath:         cfg.VM.RootfsPath,
			Accel:              cfg.VM.Accel,
			BootTimeout:        cfg.VM.BootTimeout.Duration,
			StopTimeout:        sb.StopTimeout.Duration,
			MemoryMB:           sb.MemoryMB,
			CPUs:               vcpus(sb.CPUCores),
			ExecInheritsLimits: sb.ExecInheritsLimits,
		}, logger.With("backend", "vm"))
		if err != nil {
			return nil, err
		}
		return p, nil

	case "local":
		p, err := local.New(local.Config{
			AgentCommand:       cfg.Local.AgentCommand,
			StopTimeout:        sb.StopTimeout.Duration,
			ExecInheritsLimits: sb.ExecInheritsLimits,
		}, logger.With("backend", "local"))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", sb.Backend)
}

func dockerConfig(cfg *config.Config) docker.Config {
	return docker.Config{
		Image:             cfg.Sandbox.Image,
		NamePrefix:        cfg.Docker.NamePrefix,
		Network:           cfg.Docker.Network,
		AgentPort:         cfg.Docker.AgentPort,
		MemoryMB:          cfg.Sandbox.MemoryMB,
		CPUCores:          cfg.Sandbox.CPUCores,
		WorkspaceReadOnly: cfg.Sandbox.WorkspaceReadOnly,
	}
}

// vcpus rounds fractional CPU cores up to whole virtual CPUs.
func vcpus(cores float64) int {
	if cores <= 1 {
		return 1
	}
	return int(math.Ceil(cores))
}

func newManager(cfg *config.Config, st *store.Store, rt sandbox.Runtime, publisher session.Publisher, logger *slog.Logger) *session.Manager {
	return session.NewManager(session.Config{
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		StopTimeout:   cfg.Sandbox.StopTimeout.Duration,
		Resources: sandbox.Resources{
			MemoryMB: cfg.Sandbox.MemoryMB,
			CPUCores: cfg.Sandbox.CPUCores,
		},
	}, st, rt, publisher, logger)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
