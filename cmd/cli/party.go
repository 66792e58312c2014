package main

import (
	"errors"
	"fmt"

	u "github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/viewkeys/internal/api"
	pkgcrypto "github.com/and161185/viewkeys/internal/crypto"
	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/service"
)

func (a *app) enrollCmd() *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Create a party from a passphrase and publish its exchange key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if party == "" {
				id, err := u.NewV4()
				if err != nil {
					return err
				}
				party = id.String()
			}
			pass, err := a.readPassphrase()
			if err != nil {
				return err
			}
			defer clear(pass)

			cc, cl, err := a.dial("")
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.Enroll(cmd.Context(), &api.EnrollRequest{PartyID: party, Passphrase: pass})
			if err != nil {
				return err
			}

			// The daemon published exchange key v1 for this root; keep its
			// private half here so packages and challenges can be opened.
			root := pkgcrypto.HardenPassphrase(pass, resp.Salt)
			defer clear(root)
			kp, err := keyhierarchy.Exchange(root, 1)
			if err != nil {
				return err
			}
			if err := a.addExchangeKey(1, kp.Private); err != nil {
				return err
			}
			if err := a.saveState(state{PartyID: resp.PartyID, Salt: resp.Salt}); err != nil {
				return err
			}
			fmt.Fprintln(a.out, resp.PartyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party id (uuid, generated when empty)")
	return cmd
}

func (a *app) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock this party's root on the daemon (owner operations)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadState()
			if err != nil {
				return err
			}
			party, err := s.party()
			if err != nil {
				return err
			}
			pass, err := a.readPassphrase()
			if err != nil {
				return err
			}
			defer clear(pass)

			cc, cl, err := a.dial("")
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.Unlock(cmd.Context(), &api.UnlockRequest{PartyID: party.String(), Passphrase: pass})
			if err != nil {
				return err
			}
			s.SecretRef, s.AccessToken, s.ExpiresAt = resp.SecretRef, resp.AccessToken, resp.ExpiresAt
			if err := a.saveState(s); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
}

func (a *app) lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Forget the unlocked root on the daemon",
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
			if _, err := cl.Lock(cmd.Context(), &api.LockRequest{SecretRef: ref}); err != nil {
				return err
			}
			s.SecretRef = ""
			if err := a.saveState(s); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
}

func (a *app) loginCmd() *cobra.Command {
	var party string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Get an access token by answering a challenge with the exchange key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadState()
			if err != nil {
				return err
			}
			if party != "" {
				s.PartyID = party
			}
			id, err := s.party()
			if err != nil {
				return err
			}
			keys, err := a.loadExchangeKeys()
			if err != nil {
				return err
			}

			cc, cl, err := a.dial("")
			if err != nil {
				return err
			}
			defer cc.Close()
			ch, err := cl.Challenge(cmd.Context(), &api.ChallengeRequest{PartyID: id.String()})
			if err != nil {
				return err
			}
			nonce, err := openWithAny(keys, service.ChallengeAAD(id, ch.ChallengeID), ch.Sealed)
			if err != nil {
				return fmt.Errorf("open challenge: %w", err)
			}
			tok, err := cl.Redeem(cmd.Context(), &api.RedeemRequest{ChallengeID: ch.ChallengeID, Nonce: nonce})
			if err != nil {
				return err
			}
			s.AccessToken, s.ExpiresAt = tok.AccessToken, tok.ExpiresAt
			if err := a.saveState(s); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party id (defaults to the enrolled one)")
	return cmd
}

// openWithAny tries the exchange keys newest first.
func openWithAny(keys []exchangeKey, aad, sealed []byte) ([]byte, error) {
	err := errors.New("no exchange key")
	for _, k := range keys {
		kp, kerr := k.pair()
		if kerr != nil {
			err = kerr
			continue
		}
		pt, oerr := clientcrypto.OpenFrom(kp, aad, sealed)
		if oerr == nil {
			return pt, nil
		}
		err = oerr
	}
	return nil, err
}

func (a *app) publishKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish-key",
		Short: "Generate a new exchange key on this device and publish it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := clientcrypto.Rand(clientcrypto.KeyLen)
			if err != nil {
				return err
			}
			kp, err := clientcrypto.KeyPairFromSeed(seed)
			if err != nil {
				return err
			}
			cc, cl, _, err := a.authed()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cl.PublishKey(cmd.Context(), &api.PublishKeyRequest{PublicKey: kp.Public})
			if err != nil {
				return err
			}
			if err := a.addExchangeKey(resp.Version, kp.Private); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "exchange key v%d published\n", resp.Version)
			return nil
		},
	}
}
