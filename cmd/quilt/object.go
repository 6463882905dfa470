package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/pkg/types"
)

// "none" tombstones a register from the command line.
const tombstoneArg = "none"

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Read and write vertex registers",
}

var atomCmd = &cobra.Command{
	Use:   "atom",
	Short: "Read and write atom registers",
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Read and write edge registers",
}

func init() {
	nodeCmd.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print a vertex payload",
			Args:  cobra.ExactArgs(1),
			RunE:  runNodeGet,
		},
		&cobra.Command{
			Use:   "set <id> <payload|none>",
			Short: "Write or tombstone a vertex",
			Args:  cobra.ExactArgs(2),
			RunE:  runNodeSet,
		},
	)
	atomCmd.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print an atom triple",
			Args:  cobra.ExactArgs(1),
			RunE:  runAtomGet,
		},
		&cobra.Command{
			Use:   "set <id> <src> <label> <value>",
			Short: "Write an atom; pass a single \"none\" after the id to tombstone",
			Args:  cobra.RangeArgs(2, 4),
			RunE:  runAtomSet,
		},
	)
	edgeCmd.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print an edge value",
			Args:  cobra.ExactArgs(1),
			RunE:  runEdgeGet,
		},
		&cobra.Command{
			Use:   "set <id> <src> <label> <dst>",
			Short: "Write an edge; pass a single \"none\" after the id to tombstone",
			Args:  cobra.RangeArgs(2, 4),
			RunE:  runEdgeSet,
		},
		&cobra.Command{
			Use:   "out <src> [label]",
			Short: "List visible edges leaving src",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runEdgeOut,
		},
		&cobra.Command{
			Use:   "in <dst> <label>",
			Short: "List visible edges arriving at dst",
			Args:  cobra.ExactArgs(2),
			RunE:  runEdgeIn,
		},
	)
}

func runNodeGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := st.Node(id)
	if err != nil {
		return err
	}
	if value == nil {
		fmt.Println(tombstoneArg)
		return nil
	}
	fmt.Println(value.Value)
	return nil
}

func runNodeSet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var value *types.NodeValue
	if args[1] != tombstoneArg {
		n, err := parseLabel(args[1])
		if err != nil {
			return fmt.Errorf("payload must be an unsigned integer or %q", tombstoneArg)
		}
		value = &types.NodeValue{Value: uint64(n)}
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SetNode(id, value)
}

func runAtomGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := st.Atom(id)
	if err != nil {
		return err
	}
	if value == nil {
		fmt.Println(tombstoneArg)
		return nil
	}
	fmt.Printf("src=%s label=%d value=%q\n", value.Src, value.Label, value.Value)
	return nil
}

func runAtomSet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var value *types.AtomValue
	if !(len(args) == 2 && args[1] == tombstoneArg) {
		if len(args) != 4 {
			return fmt.Errorf("expected <id> <src> <label> <value> or <id> %s", tombstoneArg)
		}
		src, err := parseID(args[1])
		if err != nil {
			return err
		}
		label, err := parseLabel(args[2])
		if err != nil {
			return err
		}
		value = &types.AtomValue{Src: src, Label: label, Value: []byte(args[3])}
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SetAtom(id, value)
}

func runEdgeGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := st.Edge(id)
	if err != nil {
		return err
	}
	if value == nil {
		fmt.Println(tombstoneArg)
		return nil
	}
	fmt.Printf("src=%s label=%d dst=%s\n", value.Src, value.Label, value.Dst)
	return nil
}

func runEdgeSet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var value *types.EdgeValue
	if !(len(args) == 2 && args[1] == tombstoneArg) {
		if len(args) != 4 {
			return fmt.Errorf("expected <id> <src> <label> <dst> or <id> %s", tombstoneArg)
		}
		src, err := parseID(args[1])
		if err != nil {
			return err
		}
		label, err := parseLabel(args[2])
		if err != nil {
			return err
		}
		dst, err := parseID(args[3])
		if err != nil {
			return err
		}
		value = &types.EdgeValue{Src: src, Label: label, Dst: dst}
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SetEdge(id, value)
}

func runEdgeOut(cmd *cobra.Command, args []string) error {
	src, err := parseID(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var ids []types.ObjectID
	if len(args) == 2 {
		label, err := parseLabel(args[1])
		if err != nil {
			return err
		}
		ids, err = st.QueryEdgeSrcLabel(src, label)
		if err != nil {
			return err
		}
	} else {
		ids, err = st.QueryEdgeSrc(src)
		if err != nil {
			return err
		}
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runEdgeIn(cmd *cobra.Command, args []string) error {
	dst, err := parseID(args[0])
	if err != nil {
		return err
	}
	label, err := parseLabel(args[1])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.QueryEdgeDstLabel(dst, label)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
