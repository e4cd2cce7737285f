package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/inomad/custody-backend/api/clients"
	"github.com/inomad/custody-backend/cryptoutils"
	"github.com/inomad/custody-backend/interfaces"
	"github.com/inomad/custody-backend/kms"
	"github.com/inomad/custody-backend/storage"
	"github.com/urfave/cli/v2"
)

var flagAdminServer *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-server-addr",
	Value: "http://127.0.0.1:8081",
	Usage: "walletd operator API address",
}
var flagOperatorPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "operator-privkey-file",
	Value: "operator-private.pem",
	Usage: "Path to operator signing key",
}
var flagOperatorPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "operator-pubkey-file",
	Value: "operator-public.pem",
	Usage: "Path to operator public key",
}
var flagAgeIdentity *cli.StringFlag = &cli.StringFlag{
	Name:  "age-identity-file",
	Value: "operator-age.txt",
	Usage: "Path to an age identity file",
}
var flagOperatorsFile *cli.StringFlag = &cli.StringFlag{
	Name:  "operators-file",
	Value: "operators.json",
	Usage: "Path to the operators file read by walletd",
}
var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Usage: "Path to an age encrypted master key share",
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
}
var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	app := &cli.App{
		Name:           "custody-admin",
		Usage:          "Operator tooling for walletd master key and recovery escrow",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show whether walletd is sealed",
				Flags: []cli.Flag{flagAdminServer, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					client := clients.NewUnsealClient(cCtx.String(flagAdminServer.Name), "", nil, cCtx.Duration(flagTimeout.Name))
					status, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate-operator",
				Usage: "Create an operator signing key and age identity",
				Flags: []cli.Flag{flagOperatorPrivkey, flagOperatorPubkey, flagAgeIdentity},
				Action: func(cCtx *cli.Context) error {
					privPEM, pubPEM, err := kms.GenerateOperatorKey()
					if err != nil {
						return err
					}
					if err := writeNew(cCtx.String(flagOperatorPrivkey.Name), privPEM); err != nil {
						return err
					}
					if err := writeNew(cCtx.String(flagOperatorPubkey.Name), pubPEM); err != nil {
						return err
					}

					identity, recipient, err := generateAgeIdentity()
					if err != nil {
						return err
					}
					if err := writeNew(cCtx.String(flagAgeIdentity.Name), []byte(identity+"\n")); err != nil {
						return err
					}

					fmt.Printf("operator id: %s\nage recipient: %s\n", kms.OperatorID(pubPEM), recipient)
					return nil
				},
			},
			{
				Name:  "operators-config",
				Usage: "Build the operators file from operator public keys",
				Flags: []cli.Flag{
					flagOperatorsFile,
					flagThreshold,
					&cli.StringSliceFlag{
						Name:     "operator",
						Usage:    "PUBKEY_FILE=AGE_RECIPIENT, repeated per operator",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					cfg, err := buildOperatorsConfig(cCtx.StringSlice("operator"), cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}
					return writeOperators(cCtx.String(flagOperatorsFile.Name), cfg)
				},
			},
			{
				Name:  "split-master-key",
				Usage: "Split a master key into one encrypted share per operator",
				Flags: []cli.Flag{
					flagOperatorsFile,
					&cli.StringFlag{
						Name:    "master-key",
						Usage:   "Hex master key to split; a new key is generated when empty",
						EnvVars: []string{"WALLETD_MASTER_KEY"},
					},
					&cli.StringFlag{
						Name:  "out-dir",
						Value: ".",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return splitMasterKey(cCtx.String(flagOperatorsFile.Name), cCtx.String("master-key"), cCtx.String("out-dir"))
				},
			},
			{
				Name:  "submit-share",
				Usage: "Decrypt this operator's share and submit it to a sealed walletd",
				Flags: []cli.Flag{flagAdminServer, flagOperatorPrivkey, flagOperatorPubkey, flagAgeIdentity, flagShareFile, flagTimeout},
				Action: func(cCtx *cli.Context) error {
					pubPEM, err := os.ReadFile(cCtx.String(flagOperatorPubkey.Name))
					if err != nil {
						return err
					}
					privPEM, err := os.ReadFile(cCtx.String(flagOperatorPrivkey.Name))
					if err != nil {
						return err
					}
					key, err := kms.ParseOperatorPrivateKey(privPEM)
					if err != nil {
						return err
					}

					identities, err := loadAgeIdentities(cCtx.String(flagAgeIdentity.Name))
					if err != nil {
						return err
					}
					sealed, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					share, err := openMasterShare(sealed, identities)
					if err != nil {
						return err
					}
					defer cryptoutils.WipeBytes(share)

					client := clients.NewUnsealClient(cCtx.String(flagAdminServer.Name), kms.OperatorID(pubPEM), key, cCtx.Duration(flagTimeout.Name))
					resp, err := client.SubmitShare(cCtx.Context, share)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "escrow-retrieve",
				Usage: "Open an escrowed recovery share with the recovery domain identity",
				Flags: []cli.Flag{
					flagAgeIdentity,
					&cli.StringSliceFlag{
						Name:     "escrow-location",
						Usage:    "Escrow storage URI (file://, s3://, vault://), repeatable",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "ref",
						Usage:    "Escrow reference recorded on the wallet",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "vault-token",
						EnvVars: []string{"VAULT_TOKEN"},
					},
				},
				Action: func(cCtx *cli.Context) error {
					identities, err := loadAgeIdentities(cCtx.String(flagAgeIdentity.Name))
					if err != nil {
						return err
					}
					share, err := retrieveEscrow(cCtx.Context, logger, cCtx.StringSlice("escrow-location"), cCtx.String("vault-token"), cCtx.String("ref"), identities)
					if err != nil {
						return err
					}
					defer cryptoutils.WipeBytes(share)

					fmt.Println(cryptoutils.EncodeShare(share))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func splitMasterKey(operatorsPath, masterKeyHex, outDir string) error {
	f, err := os.Open(operatorsPath)
	if err != nil {
		return err
	}
	cfg, err := kms.LoadOperators(f)
	f.Close()
	if err != nil {
		return err
	}

	recipients, err := operatorRecipients(cfg)
	if err != nil {
		return err
	}

	var masterKey []byte
	if masterKeyHex == "" {
		masterKey = make([]byte, kms.MasterKeyLength)
		if _, err := rand.Read(masterKey); err != nil {
			return err
		}
	} else if masterKey, err = hex.DecodeString(masterKeyHex); err != nil {
		return fmt.Errorf("invalid master key: %w", err)
	}
	defer cryptoutils.WipeBytes(masterKey)

	parts, check, err := kms.SplitMasterKey(masterKey, len(cfg.Operators), cfg.Threshold)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range parts {
			cryptoutils.WipeBytes(p)
		}
	}()

	for i, op := range cfg.Operators {
		sealed, err := sealMasterShare(parts[i], recipients[i])
		if err != nil {
			return fmt.Errorf("operator %s: %w", op.ID, err)
		}
		path := filepath.Join(outDir, shareFileName(op.ID))
		if err := writeNew(path, sealed); err != nil {
			return err
		}
		fmt.Printf("share for %s written to %s\n", op.ID, path)
	}

	cfg.KeyCheck = check
	return writeOperators(operatorsPath, cfg)
}

func retrieveEscrow(ctx context.Context, logger *slog.Logger, locations []string, vaultToken, ref string, identities []*age.X25519Identity) ([]byte, error) {
	factory := storage.NewStorageBackendFactory(logger, storage.WithVaultToken(vaultToken))

	locs := make([]interfaces.StorageBackendLocation, len(locations))
	for i, l := range locations {
		locs[i] = interfaces.StorageBackendLocation(l)
	}
	var (
		backend interfaces.StorageBackend
		err     error
	)
	if len(locs) == 1 {
		backend, err = factory.StorageBackendFor(locs[0])
	} else {
		backend, err = factory.CreateMultiBackend(locs)
	}
	if err != nil {
		return nil, err
	}

	recipients := make([]age.Recipient, len(identities))
	unlock := make([]age.Identity, len(identities))
	for i, id := range identities {
		recipients[i] = id.Recipient()
		unlock[i] = id
	}
	escrow, err := storage.NewRecoveryEscrow(backend, recipients, logger)
	if err != nil {
		return nil, err
	}
	return escrow.Retrieve(ctx, ref, unlock...)
}

func shareFileName(operatorID string) string {
	if len(operatorID) > 16 {
		operatorID = operatorID[:16]
	}
	return "master-share-" + operatorID + ".age"
}

func writeOperators(path string, cfg *kms.OperatorsConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// writeNew refuses to overwrite key material.
func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
