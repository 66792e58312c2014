package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/viewkeys/internal/api"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/viewkey"
)

// openGrant unwraps g's view-key with whichever exchange key it was sealed to.
func openGrant(keys []exchangeKey, g model.AccessGrant) ([]byte, error) {
	err := errors.New("no exchange key")
	for _, k := range keys {
		kp, kerr := k.pair()
		if kerr != nil {
			err = kerr
			continue
		}
		vk, oerr := viewkey.Open(kp, g)
		if oerr == nil {
			return vk, nil
		}
		err = oerr
	}
	return nil, err
}

func (a *app) checkCmd() *cobra.Command {
	var grant, perm, class, recordTime, at string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask whether a received grant allows an access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := parseWhen(recordTime, a.now())
			if err != nil {
				return fmt.Errorf("record-time: %w", err)
			}
			when, err := parseWhen(at, a.now())
			if err != nil {
				return fmt.Errorf("at: %w", err)
			}
			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.CheckAccess(cmd.Context(), &api.CheckAccessRequest{
				GrantID: grant, Permission: perm, DataClass: class, RecordTime: rt, At: when,
			})
			if err != nil {
				return err
			}
			a.printJSON(resp)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&grant, "grant", "", "grant id")
	f.StringVar(&perm, "perm", "view", "permission")
	f.StringVar(&class, "class", "", "data class")
	f.StringVar(&recordTime, "record-time", "", "record timestamp (RFC 3339 or duration)")
	f.StringVar(&at, "at", "", "check time (default now)")
	_ = cmd.MarkFlagRequired("grant")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func (a *app) rotateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the sharing key and re-wrap every active grant",
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
			resp, err := cl.Rotate(cmd.Context(), &api.RotateRequest{SecretRef: ref, Reason: reason})
			if err != nil {
				return err
			}
			a.printJSON(resp.Rotation)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "manual or scheduled")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past rotations, newest first",
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
			resp, err := cl.RotationHistory(cmd.Context(), &api.HistoryRequest{SecretRef: ref, Limit: limit})
			if err != nil {
				return err
			}
			a.printJSON(resp.Rotations)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rotations to show")
	return cmd
}

func (a *app) auditCmd() *cobra.Command {
	var (
		req        api.AuditRequest
		from, till string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Stream this party's audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.From, err = parseWhen(from, a.now()); err != nil {
				return fmt.Errorf("from: %w", err)
			}
			if req.To, err = parseWhen(till, a.now()); err != nil {
				return fmt.Errorf("to: %w", err)
			}
			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			for ev, err := range cl.QueryAudit(cmd.Context(), &req) {
				if err != nil {
					return err
				}
				a.printJSON(ev)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ActorID, "actor", "", "only events by this party")
	f.StringVar(&req.SubjectGrantID, "grant", "", "only events about this grant")
	f.StringSliceVar(&req.Types, "type", nil, "event types")
	f.StringVar(&req.MinSeverity, "min-severity", "", "info, warning or critical")
	f.StringVar(&from, "from", "", "earliest event time (RFC 3339 or duration, e.g. -24h)")
	f.StringVar(&till, "to", "", "latest event time (RFC 3339 or duration)")
	f.IntVar(&req.Limit, "limit", 100, "maximum events")
	return cmd
}
