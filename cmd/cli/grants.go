package main

import (
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/api"
	"github.com/and161185/viewkeys/internal/convert"
	"github.com/and161185/viewkeys/internal/keyring"
	"github.com/and161185/viewkeys/internal/transport"
)

// parseWhen accepts an RFC 3339 instant or a duration from now. Empty means
// no bound.
func parseWhen(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC 3339 nor a duration", s)
	}
	t = t.UTC()
	return &t, nil
}

type scopeFlags struct {
	perms   []string
	classes []string
	from    string
	to      string
}

func (f *scopeFlags) bind(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.perms, "perm", []string{"view"}, "permissions (view, export, annotate)")
	fs.StringSliceVar(&f.classes, "class", nil, "data classes covered by the grant")
	fs.StringVar(&f.from, "from", "", "earliest record time (RFC 3339 or duration)")
	fs.StringVar(&f.to, "to", "", "latest record time (RFC 3339 or duration)")
}

func (f *scopeFlags) scope(now time.Time) (api.Scope, error) {
	from, err := parseWhen(f.from, now)
	if err != nil {
		return api.Scope{}, fmt.Errorf("from: %w", err)
	}
	to, err := parseWhen(f.to, now)
	if err != nil {
		return api.Scope{}, fmt.Errorf("to: %w", err)
	}
	return api.Scope{Permissions: f.perms, DataClasses: f.classes, From: from, To: to}, nil
}

func (a *app) grantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Issue, delegate, list and revoke view-key grants",
	}
	cmd.AddCommand(a.grantIssueCmd(), a.grantDelegateCmd(), a.grantListCmd(), a.grantRevokeCmd())
	return cmd
}

func (a *app) grantIssueCmd() *cobra.Command {
	var (
		sf      scopeFlags
		grantee string
		expires string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a grant from the unlocked root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := sf.scope(a.now())
			if err != nil {
				return err
			}
			exp, err := parseWhen(expires, a.now())
			if err != nil {
				return fmt.Errorf("expires: %w", err)
			}
			cc, cl, s, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			ref, err := s.secretRef()
			if err != nil {
				return err
			}
			resp, err := cl.IssueGrant(cmd.Context(), &api.IssueGrantRequest{
				SecretRef: ref, GranteeID: grantee, Scope: scope, ExpiresAt: exp,
			})
			if err != nil {
				return err
			}
			a.printJSON(resp.Grant)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&grantee, "grantee", "", "grantee party id")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry (RFC 3339 or duration; empty never expires)")
	_ = cmd.MarkFlagRequired("grantee")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func (a *app) grantDelegateCmd() *cobra.Command {
	var (
		sf      scopeFlags
		parent  string
		grantee string
		expires string
	)
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Delegate part of a received grant to another party",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parentID, err := u.FromString(parent)
			if err != nil {
				return fmt.Errorf("parent: %w", err)
			}
			scope, err := sf.scope(a.now())
			if err != nil {
				return err
			}
			exp, err := parseWhen(expires, a.now())
			if err != nil {
				return fmt.Errorf("expires: %w", err)
			}
			var vk []byte
			if err := a.withKeyring(func(dk []byte, kr *keyring.Keyring) error {
				vk, err = kr.ViewKey(dk, parentID)
				return err
			}); err != nil {
				return fmt.Errorf("parent view-key (run poll first): %w", err)
			}
			defer clear(vk)

			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.DelegateGrant(cmd.Context(), &api.DelegateGrantRequest{
				ParentGrantID: parentID.String(), ParentViewKey: vk,
				GranteeID: grantee, Scope: scope, ExpiresAt: exp,
			})
			if err != nil {
				return err
			}
			a.printJSON(resp.Grant)
			return nil
		},
	}
	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&parent, "parent", "", "received grant to delegate from")
	cmd.Flags().StringVar(&grantee, "grantee", "", "grantee party id")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry (RFC 3339 or duration; required when the parent expires)")
	_ = cmd.MarkFlagRequired("parent")
	_ = cmd.MarkFlagRequired("grantee")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func (a *app) grantListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grants issued from this party's root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cl, s, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			ref, err := s.secretRef()
			if err != nil {
				return err
			}
			resp, err := cl.ListGrants(cmd.Context(), &api.ListGrantsRequest{SecretRef: ref, Status: status})
			if err != nil {
				return err
			}
			a.printJSON(resp.Grants)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, expired, revoked)")
	return cmd
}

func (a *app) grantRevokeCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a grant; hard mode also rotates the sharing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.Revoke(cmd.Context(), &api.RevokeRequest{GrantID: args[0], Mode: mode})
			if err != nil {
				return err
			}
			a.printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "soft", "soft or hard")
	return cmd
}

// received is one grant opened on this device.
type received struct {
	GrantID    string     `json:"grant_id"`
	OwnerID    string     `json:"owner_id"`
	IssuerID   string     `json:"issuer_id"`
	Depth      int        `json:"depth"`
	KeyVersion int64      `json:"key_version"`
	Scope      api.Scope  `json:"scope"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (a *app) pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Fetch grants addressed to this party and keep their view-keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.loadExchangeKeys()
			if err != nil {
				return err
			}
			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.PollGrants(cmd.Context())
			if err != nil {
				return err
			}

			out := make([]received, 0, len(resp.Packages))
			err = a.withKeyring(func(dk []byte, kr *keyring.Keyring) error {
				for _, pkg := range resp.Packages {
					g, err := transport.Unpack(pkg)
					if err != nil {
						a.log.Warn("skip package", zap.Error(err))
						continue
					}
					vk, err := openGrant(keys, g)
					if err != nil {
						a.log.Warn("skip grant", zap.String("grant", g.ID.String()), zap.Error(err))
						continue
					}
					err = kr.PutViewKey(dk, g.ID, vk)
					clear(vk)
					if err != nil {
						return err
					}
					r := received{
						GrantID: g.ID.String(), OwnerID: g.OwnerID.String(), IssuerID: g.IssuerID.String(),
						Depth: g.Depth, KeyVersion: g.KeyVersion, Scope: convert.ToScope(g.Scope), ExpiresAt: g.ExpiresAt,
					}
					out = append(out, r)
				}
				return nil
			})
			if err != nil {
				return err
			}
			a.printJSON(struct {
				Grants        []received `json:"grants"`
				NextPollAfter time.Time  `json:"next_poll_after"`
			}{out, resp.NextPollAfter})
			return nil
		},
	}
}
