package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"OpenPlugin-Guard/internal/compat"
	"OpenPlugin-Guard/internal/contentsec"
	"OpenPlugin-Guard/internal/hostapi"
	"OpenPlugin-Guard/internal/sysinfo"
	"OpenPlugin-Guard/internal/verify"
	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// errChecksFailed makes the command exit non-zero after the findings were printed.
var errChecksFailed = errors.New("checks failed")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pluginctl",
		Short:        "Author tooling for OpenPlugin bundles",
		SilenceUsage: true,
	}
	root.AddCommand(
		newHashCommand(),
		newKeygenCommand(),
		newSignCommand(),
		newVerifyCommand(),
		newCheckCommand(),
		newGraphCommand(),
	)
	return root
}

func loadBundle(dir string) (manifest.Bundle, error) {
	b, err := manifest.LoadBundle(dir)
	if err != nil {
		return manifest.Bundle{}, err
	}
	if problems := b.Manifest.Validate(); len(problems) > 0 {
		return manifest.Bundle{}, fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}
	return b, nil
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <bundle-dir>",
		Short: "Print the sourceHash of the bundle entry file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := manifest.LoadBundle(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), contentsec.ComputeHash([]byte(b.Code)))
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	var keyType string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			switch verify.KeyType(keyType) {
			case verify.KeyEd25519:
				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "public:  %s\nprivate: %s\n", hex.EncodeToString(pub), hex.EncodeToString(priv))
			case verify.KeySecp256k1:
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "address: %s\nprivate: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex(), hex.EncodeToString(crypto.FromECDSA(key)))
			default:
				return fmt.Errorf("unsupported key type %q", keyType)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyType, "type", "t", string(verify.KeyEd25519), "key type: ed25519 or secp256k1")
	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		keyType string
		keyHex  string
	)
	cmd := &cobra.Command{
		Use:   "sign <bundle-dir>",
		Short: "Sign the bundle manifest and write a detached signature file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBundle(args[0])
			if err != nil {
				return err
			}
			sig, err := sign(b.Manifest, verify.KeyType(keyType), keyHex)
			if err != nil {
				return err
			}
			path := filepath.Join(args[0], "signature")
			if err := os.WriteFile(path, []byte(sig+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyType, "type", "t", string(verify.KeyEd25519), "key type: ed25519 or secp256k1")
	cmd.Flags().StringVarP(&keyHex, "key", "k", os.Getenv("PLUGIN_SIGNING_KEY"), "hex private key (default $PLUGIN_SIGNING_KEY)")
	return cmd
}

func sign(m manifest.Manifest, keyType verify.KeyType, keyHex string) (string, error) {
	if keyHex == "" {
		return "", errors.New("a private key is required")
	}
	payload, err := m.Canonical()
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("private key is not hex: %w", err)
	}
	switch keyType {
	case verify.KeyEd25519:
		var priv ed25519.PrivateKey
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(raw)
		default:
			return "", fmt.Errorf("ed25519 key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
		}
		return hex.EncodeToString(ed25519.Sign(priv, payload)), nil
	case verify.KeySecp256k1:
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return "", err
		}
		sig, err := crypto.Sign(crypto.Keccak256(payload), key)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sig), nil
	default:
		return "", fmt.Errorf("unsupported key type %q", keyType)
	}
}

func newVerifyCommand() *cobra.Command {
	var (
		trusted       []string
		allowUnsigned bool
		registryURL   string
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "verify <bundle-dir>",
		Short: "Run signature, integrity and dependency checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBundle(args[0])
			if err != nil {
				return err
			}
			keys, err := parseTrusted(trusted)
			if err != nil {
				return err
			}
			var (
				registry   verify.DependencyRegistry
				advisories verify.AdvisorySource
			)
			if registryURL != "" {
				remote := verify.NewHTTPRegistry(registryURL, timeout)
				registry, advisories = remote, remote
			}
			v := verify.New(verify.Config{TrustedKeys: keys, AllowUnsigned: allowUnsigned}, registry, advisories)
			res := v.VerifyPlugin(cmd.Context(), b, b.Signature)
			out := cmd.OutOrStdout()
			if res.Valid {
				fmt.Fprintf(out, "%s: ok\n", b.Manifest.Key())
				return nil
			}
			for _, issue := range res.Issues {
				fmt.Fprintf(out, "%s: %s\n", b.Manifest.Key(), issue)
			}
			return errChecksFailed
		},
	}
	cmd.Flags().StringSliceVar(&trusted, "trust", nil, "trusted key as author:type:key (repeatable)")
	cmd.Flags().BoolVar(&allowUnsigned, "allow-unsigned", false, "accept bundles without a signature")
	cmd.Flags().StringVar(&registryURL, "registry", "", "plugin registry used to resolve dependencies")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "registry request timeout")
	return cmd
}

func parseTrusted(values []string) ([]verify.TrustedKey, error) {
	keys := make([]verify.TrustedKey, 0, len(values))
	for _, v := range values {
		parts := strings.SplitN(v, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("trusted key %q must look like author:type:key", v)
		}
		keys = append(keys, verify.TrustedKey{Author: parts[0], Type: verify.KeyType(parts[1]), Key: parts[2]})
	}
	return keys, nil
}

func newCheckCommand() *cobra.Command {
	var (
		hostVersion string
		permissions []string
		node, npm   string
	)
	cmd := &cobra.Command{
		Use:   "check <bundle-dir>",
		Short: "Check a bundle against a host version and permission surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBundle(args[0])
			if err != nil {
				return err
			}
			surface := hostapi.StaticSurface{Version: hostVersion}
			for _, p := range permissions {
				surface.Permissions = append(surface.Permissions, permission.Capability(p))
			}
			none := compat.InstalledFunc(func(string) (string, bool) { return "", false })
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			report := compat.NewChecker(surface, none, sysinfo.System(ctx, node, npm)).Check(ctx, b.Manifest)

			out := cmd.OutOrStdout()
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "%s %s\n", issue.Severity, issue)
			}
			if !report.Compatible {
				return errChecksFailed
			}
			fmt.Fprintf(out, "%s: compatible with host %s\n", b.Manifest.Key(), hostVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostVersion, "host-version", "1.0.0", "host version to check against")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "capabilities offered by the host (default: all)")
	cmd.Flags().StringVar(&node, "node", "", "node version of the host runtime")
	cmd.Flags().StringVar(&npm, "npm", "", "npm version of the host runtime")
	return cmd
}

func newGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <bundle-dir>...",
		Short: "Print the dependency graph of several bundles and report cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifests := make([]manifest.Manifest, 0, len(args))
			for _, dir := range args {
				b, err := manifest.LoadBundle(dir)
				if err != nil {
					return err
				}
				manifests = append(manifests, b.Manifest)
			}
			graph := compat.Graph(manifests...)
			out := cmd.OutOrStdout()
			for _, m := range manifests {
				fmt.Fprintf(out, "%s -> [%s]\n", m.ID, strings.Join(graph[m.ID], ", "))
			}
			if cycle := compat.FindCycle(graph); len(cycle) > 0 {
				fmt.Fprintf(out, "cycle: %s\n", strings.Join(cycle, " -> "))
				return errChecksFailed
			}
			return nil
		},
	}
}
