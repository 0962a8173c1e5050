// Package procfs exposes the tree's group table as a line-oriented
// text surface, /proc/vmware/sched/groups (spec.md §6): a small
// read/write command vocabulary (create, remove, rename, move, alloc)
// layered directly on the tree's public API. It is a convenience
// surface only; callers that need the real API should call `tree`
// directly, per spec.md §6's "tests must exercise the underlying API,
// not the text format."
//
// Grounded on the teacher's CLI output formatting (cli/kata-env.go's
// tabwriter-based human-readable reports) for the read side, and its
// urfave/cli subcommand argument parsing for the write side's command
// vocabulary.
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

var pfLog = logrus.WithField("subsystem", "procfs")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := pfLog.Data
	pfLog = logger.WithFields(fields)
}

// Node drives the groups file's read and write commands against the
// wrapped *tree.Tree.
type Node struct {
	Tree *tree.Tree
}

// New wraps t for procfs use.
func New(t *tree.Tree) *Node {
	return &Node{Tree: t}
}

// Read writes a human-readable report of every group to w, one line
// per group, formatted the way `cat /proc/vmware/sched/groups` would
// be expected to read: name, parent, cpu/mem shares and limits in
// percent/bytes, and member count.
func (n *Node) Read(w io.Writer) error {
	var werr error
	n.Tree.WalkGroups(func(s tree.Snapshot) {
		if werr != nil {
			return
		}
		_, werr = fmt.Fprintf(w, "%s\tparent=%s\tcpu=%s\tmem=%s\tmembers=%d\n",
			s.Name, parentName(s), formatCPU(s.CPU), formatMem(s.Mem), len(s.Members))
	})
	return werr
}

func parentName(s tree.Snapshot) string {
	if !s.Parent.Valid() {
		return "-"
	}
	return s.Parent.String()
}

func formatCPU(b alloc.Block) string {
	max := "unbounded"
	if b.Max != alloc.NoMax {
		max = fmt.Sprintf("%d%%", b.Max)
	}
	return fmt.Sprintf("min=%d%%,max=%s,shares=%d", b.Min, max, b.Shares)
}

// memPageSize converts the page counts memory blocks carry into bytes
// for display.
const memPageSize = 4096

func formatMem(b alloc.Block) string {
	max := "unbounded"
	if b.Max != alloc.NoMax {
		max = bytefmt.ByteSize(uint64(b.Max) * memPageSize)
	}
	return fmt.Sprintf("min=%s,max=%s,shares=%d", bytefmt.ByteSize(uint64(b.Min)*memPageSize), max, b.Shares)
}

// Write applies one line-oriented command to r's lines, in the
// vocabulary spec.md §6 names: create, remove, rename, move, alloc.
// Each line is one command; processing stops at the first error.
func (n *Node) Write(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := n.dispatch(line); err != nil {
			return errors.Wrapf(err, "procfs: command %q", line)
		}
	}
	return scanner.Err()
}

func (n *Node) dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "create":
		return n.cmdCreate(args)
	case "remove":
		return n.cmdRemove(args)
	case "rename":
		return n.cmdRename(args)
	case "move":
		return n.cmdMove(args)
	case "alloc":
		return n.cmdAlloc(args)
	default:
		return errors.Wrapf(vmkerrors.ErrBadParam, "unknown command %q", cmd)
	}
}

// cmdCreate: "create <name> <parent>"
func (n *Node) cmdCreate(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(vmkerrors.ErrBadParam, "usage: create <name> <parent>")
	}
	parent, err := n.Tree.LookupByName(args[1])
	if err != nil {
		return err
	}
	unbounded := alloc.RawBlock{Max: alloc.NoMax, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent}
	_, err = n.Tree.AddGroup(args[0], parent, unbounded, unbounded)
	return err
}

// cmdRemove: "remove <name>"
func (n *Node) cmdRemove(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(vmkerrors.ErrBadParam, "usage: remove <name>")
	}
	id, err := n.Tree.LookupByName(args[0])
	if err != nil {
		return err
	}
	return n.Tree.RemoveGroup(id)
}

// cmdRename: "rename <name> <new-name>"
func (n *Node) cmdRename(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(vmkerrors.ErrBadParam, "usage: rename <name> <new-name>")
	}
	id, err := n.Tree.LookupByName(args[0])
	if err != nil {
		return err
	}
	return n.Tree.RenameGroup(id, args[1])
}

// cmdMove: "move <name> <new-parent>"
func (n *Node) cmdMove(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(vmkerrors.ErrBadParam, "usage: move <name> <new-parent>")
	}
	id, err := n.Tree.LookupByName(args[0])
	if err != nil {
		return err
	}
	parent, err := n.Tree.LookupByName(args[1])
	if err != nil {
		return err
	}
	return n.Tree.MoveGroup(id, parent)
}

// cmdAlloc: "alloc <name> cpu|mem <min> <max> [shares]", min/max accept
// "-1", a bare percentage, or a go-units size string for mem.
func (n *Node) cmdAlloc(args []string) error {
	if len(args) < 4 {
		return errors.Wrap(vmkerrors.ErrBadParam, "usage: alloc <name> cpu|mem <min> <max> [shares]")
	}
	name, resource, minStr, maxStr := args[0], args[1], args[2], args[3]
	id, err := n.Tree.LookupByName(name)
	if err != nil {
		return err
	}
	snap, err := n.Tree.Describe(id)
	if err != nil {
		return err
	}

	min, err := parseAllocValue(minStr)
	if err != nil {
		return err
	}
	max, err := parseAllocValue(maxStr)
	if err != nil {
		return err
	}
	shareLevel := alloc.SharesNormal
	var shares int64
	if len(args) >= 5 {
		shareLevel = alloc.SharesCustom
		shares, err = strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return errors.Wrap(vmkerrors.ErrBadParam, "shares must be an integer")
		}
	}

	raw := alloc.RawBlock{Min: min, Max: max, Shares: shares, ShareLevel: shareLevel, Units: alloc.UnitsPercent}
	switch resource {
	case "cpu":
		return n.Tree.SetAlloc(id, raw, blockToRaw(snap.Mem, alloc.UnitsPages))
	case "mem":
		raw.Units = alloc.UnitsPages
		return n.Tree.SetAlloc(id, blockToRaw(snap.CPU, alloc.UnitsPercent), raw)
	default:
		return errors.Wrapf(vmkerrors.ErrBadParam, "unknown resource %q", resource)
	}
}

// blockToRaw carries a group's current normalized allocation forward
// unchanged as a RawBlock, for the half of an "alloc" command that
// isn't touching that resource.
func blockToRaw(b alloc.Block, unit alloc.Units) alloc.RawBlock {
	return alloc.RawBlock{
		Min: b.Min, Max: b.Max, Shares: b.Shares, ShareLevel: alloc.SharesCustom,
		MinLimit: b.MinLimit, HardMax: b.HardMax, Units: unit,
	}
}

func parseAllocValue(s string) (int64, error) {
	if s == "-1" {
		return -1, nil
	}
	if v, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 64); err == nil {
		return v, nil
	}
	if v, err := units.RAMInBytes(s); err == nil {
		return v, nil
	}
	return 0, errors.Wrapf(vmkerrors.ErrBadParam, "cannot parse alloc value %q", s)
}
