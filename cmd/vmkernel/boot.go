package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/cell"
	"github.com/vmkernel-project/vmkernel/internal/config"
	"github.com/vmkernel-project/vmkernel/internal/eventbus"
	"github.com/vmkernel-project/vmkernel/internal/metrics"
	"github.com/vmkernel-project/vmkernel/internal/procfs"
	"github.com/vmkernel-project/vmkernel/internal/resourcecontrol"
	"github.com/vmkernel-project/vmkernel/internal/tree"
)

// kernel bundles every package init(cfg) wires together: the scheduler
// tree, its cells, the cgroup enforcer, the procfs surface, and the
// event bus, following the teacher's pattern of a single struct
// threading dependencies from main into every subcommand's Action.
type kernel struct {
	cfg       *config.Config
	tree      *tree.Tree
	cells     []*cell.Cell
	enforcer  *resourcecontrol.Enforcer
	bus       *eventbus.Bus
	procfs    *procfs.Node
	registry  *prometheus.Registry
}

// boot loads configuration and constructs every ambient/domain
// component init(cfg) is responsible for, mirroring katautils'
// LoadConfiguration-then-construct sequencing.
func boot(ctx context.Context, cfgPath string) (*kernel, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	tr, err := tree.New(cfg.Totals, cfg.Predefined)
	if err != nil {
		return nil, err
	}

	cells := make([]*cell.Cell, 0, len(cfg.PCPUsPerCell))
	for i, pcpus := range cfg.PCPUsPerCell {
		cells = append(cells, cell.New(i, pcpus, tr, cfg.QuantumCycles))
	}

	var bus *eventbus.Bus
	if cfg.EventBusFifo != "" {
		bus, err = eventbus.OpenFifo(ctx, cfg.EventBusFifo)
		if err != nil {
			return nil, err
		}
	} else {
		bus = eventbus.NewLogOnlySink()
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}

	k := &kernel{
		cfg:      cfg,
		tree:     tr,
		cells:    cells,
		enforcer: resourcecontrol.NewEnforcer("/vmkernel"),
		bus:      bus,
		procfs:   procfs.New(tr),
		registry: reg,
	}

	bus.PostEvent(eventbus.KindVmkLoad, map[string]any{"cells": len(cells)})
	logrus.WithFields(logrus.Fields{
		"cells": len(cells), "groups": len(cfg.Predefined),
	}).Info("vmkernel booted")
	return k, nil
}
