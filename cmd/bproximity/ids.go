package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/ident"
)

// NewIDsCommand groups the persisted-store maintenance commands.
func NewIDsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Inspect and maintain the persisted identifier stores",
	}
	cmd.AddCommand(newIDsListCommand(root))
	cmd.AddCommand(newIDsExpireCommand(root))
	cmd.AddCommand(newIDsRotateCommand(root))
	return cmd
}

// stores opens the configured backend and loads the named stores.
func stores(root *RootOptions, names ...string) (idstore.Backend, func() error, []*idstore.Store, error) {
	backend, closeFn, err := root.File.OpenBackend()
	if err != nil {
		return nil, closeFn, nil, WrapExitError(ExitFailure, "failed to open store backend", err)
	}
	out := make([]*idstore.Store, 0, len(names))
	for _, name := range names {
		s, err := idstore.Open(backend, name)
		if err != nil {
			return nil, closeFn, nil, WrapExitError(ExitFailure, "failed to load store", err)
		}
		out = append(out, s)
	}
	return backend, closeFn, out, nil
}

func storeNames(which string) ([]string, error) {
	switch which {
	case "self":
		return []string{idstore.SelfIDs}, nil
	case "peer":
		return []string{idstore.PeerIDs}, nil
	case "all":
		return []string{idstore.SelfIDs, idstore.PeerIDs}, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --store %q: must be self, peer or all", which))
}

type idRow struct {
	Store   string `json:"store"`
	ID      string `json:"id"`
	Created string `json:"created"`
}

type idTable []idRow

func (t idTable) String() string {
	if len(t) == 0 {
		return "no identifiers stored"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s  %-16s  %s", "STORE", "ID", "CREATED")
	for _, r := range t {
		fmt.Fprintf(&b, "\n%-8s  %-16s  %s", r.Store, r.ID, r.Created)
	}
	return b.String()
}

func rowFor(store string, r idstore.Record) idRow {
	return idRow{
		Store:   store,
		ID:      r.ID.String(),
		Created: r.Time().UTC().Format(time.RFC3339),
	}
}

func newIDsListCommand(root *RootOptions) *cobra.Command {
	var which string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored identifiers, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := storeNames(which)
			if err != nil {
				return err
			}
			_, closeFn, ss, err := stores(root, names...)
			defer closeFn()
			if err != nil {
				return err
			}

			table := idTable{}
			for _, s := range ss {
				for _, r := range s.Records() {
					table = append(table, rowFor(s.Name(), r))
				}
			}
			return root.formatter(cmd).Success(table)
		},
	}
	cmd.Flags().StringVar(&which, "store", "all", "store to list (self|peer|all)")
	return cmd
}

type expireResult struct {
	Store     string `json:"store"`
	Removed   int    `json:"removed"`
	Remaining int    `json:"remaining"`
}

type expireResults []expireResult

func (rs expireResults) String() string {
	lines := make([]string, len(rs))
	for i, r := range rs {
		lines[i] = fmt.Sprintf("%s: removed %d, %d remaining", r.Store, r.Removed, r.Remaining)
	}
	return strings.Join(lines, "\n")
}

func newIDsExpireCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Remove identifiers older than the configured retention windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, closeFn, ss, err := stores(root, idstore.SelfIDs, idstore.PeerIDs)
			defer closeFn()
			if err != nil {
				return err
			}

			windows := map[string]time.Duration{
				idstore.SelfIDs: root.File.Retention.Self,
				idstore.PeerIDs: root.File.Retention.Peer,
			}
			results := expireResults{}
			for _, s := range ss {
				before := s.Len()
				if s.Expire(windows[s.Name()]) {
					if err := idstore.Save(backend, s); err != nil {
						return WrapExitError(ExitFailure, "failed to save store", err)
					}
				}
				results = append(results, expireResult{Store: s.Name(), Removed: before - s.Len(), Remaining: s.Len()})
			}
			return root.formatter(cmd).Success(results)
		},
	}
}

type rotateResult struct {
	ID      string `json:"id"`
	Created string `json:"created"`
	Expired int    `json:"expired"`
}

func (r rotateResult) String() string {
	s := fmt.Sprintf("new self id %s created %s", r.ID, r.Created)
	if r.Expired > 0 {
		s += fmt.Sprintf(" (expired %d)", r.Expired)
	}
	return s
}

func newIDsRotateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Append a fresh self identifier; the next run advertises it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, closeFn, ss, err := stores(root, idstore.SelfIDs)
			defer closeFn()
			if err != nil {
				return err
			}

			id, err := ident.Generate(nil)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to generate id", err)
			}
			self := ss[0]
			before := self.Len()
			self.Expire(root.File.Retention.Self)
			expired := before - self.Len()

			rec := self.Append(id)
			if err := idstore.Save(backend, self); err != nil {
				return WrapExitError(ExitFailure, "failed to save store", err)
			}
			row := rowFor(idstore.SelfIDs, rec)
			return root.formatter(cmd).Success(rotateResult{ID: row.ID, Created: row.Created, Expired: expired})
		},
	}
}
