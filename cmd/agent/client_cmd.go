package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth and cache sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("agent not reachable: %w", err)
			}
			if jsonOutput {
				return printJSON(st)
			}
			state := "offline"
			if st.Online {
				state = "online"
			}
			fmt.Printf("upstream  %s (%s)\n", st.Upstream, state)
			fmt.Printf("active    %t\n", st.Active)
			fmt.Printf("breaker   %s\n", st.Breaker)
			fmt.Printf("pending   %d\n", st.QueueDepth)
			names := make([]string, 0, len(st.Namespaces))
			for n := range st.Namespaces {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("cache     %-16s %d\n", n, st.Namespaces[n])
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send pending writes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("attempted %d, delivered %d, retrying %d, dropped %d\n",
				res.Attempted, res.Succeeded, res.Retrying, res.Failed)
			return nil
		},
	}
}

func newInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "invalidate <domain> [id]",
		Short:   "Drop cached data for a mutation domain",
		Example: `  offline-agent invalidate claim 42
  offline-agent invalidate dashboard`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var id string
			if len(args) == 2 {
				id = args[1]
			}
			res, err := c.Invalidate(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("cleared %v\n", res.Namespaces)
			for _, q := range res.Queries {
				fmt.Printf("refetch %v\n", q)
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List pending writes, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			pending, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(pending)
			}
			for _, e := range pending {
				fmt.Printf("%s  %-6s %s  retries=%d\n", e.ID, e.Method, e.URL, e.RetryCount)
			}
			return nil
		},
	}
}
