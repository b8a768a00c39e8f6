package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tis24dev/snapship/internal/backup"
	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/prompt"
	"github.com/tis24dev/snapship/internal/types"
)

type decryptOptions struct {
	output        string
	passphraseEnv string
	extractDir    string
	force         bool
}

func (a *App) newDecryptCommand() *cobra.Command {
	opts := &decryptOptions{}
	cmd := &cobra.Command{
		Use:   "decrypt <archive" + backup.EncryptedSuffix + ">",
		Short: "Decrypt a delivered archive with the configured passphrase",
		Long: "Decrypts an archive produced with ENCRYPTION_PASSPHRASE. The passphrase is read from the\n" +
			"environment variable named by --passphrase-env, then from the configuration file, and\n" +
			"finally asked for on the terminal.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decrypt(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output path (default: input without "+backup.EncryptedSuffix+")")
	cmd.Flags().StringVar(&opts.passphraseEnv, "passphrase-env", "SNAPSHIP_PASSPHRASE", "environment variable holding the passphrase")
	cmd.Flags().StringVarP(&opts.extractDir, "extract", "x", "", "also unpack the decrypted archive into this directory")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing output file")
	return cmd
}

func (a *App) decrypt(ctx context.Context, src string, opts *decryptOptions) error {
	logger, closeLog := a.newLogger(nil)
	defer closeLog()

	if info, err := os.Stat(src); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("encrypted archive not found: %s", src)
	}
	dst := opts.output
	if dst == "" {
		if !strings.HasSuffix(src, backup.EncryptedSuffix) {
			return fmt.Errorf("%s has no %s suffix; pass --output", src, backup.EncryptedSuffix)
		}
		dst = strings.TrimSuffix(src, backup.EncryptedSuffix)
	}
	if _, err := os.Stat(dst); err == nil {
		if !opts.force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dst)
		}
		if err := os.Remove(dst); err != nil {
			return err
		}
	}

	passphrase, err := a.resolvePassphrase(ctx, opts.passphraseEnv)
	if err != nil {
		return err
	}

	logger.Step("Decrypting %s", src)
	if err := backup.DecryptFile(ctx, src, dst, passphrase); err != nil {
		var encErr *backup.EncryptionError
		if errors.As(err, &encErr) {
			return &exitError{code: types.ExitEncryptionError, err: err}
		}
		return err
	}
	logger.Info("Decrypted archive written to %s", dst)

	if opts.extractDir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.extractDir, 0o700); err != nil {
		return err
	}
	logger.Step("Extracting %s into %s", dst, opts.extractDir)
	if err := backup.NewArchiver(logger, backup.ArchiverConfig{}).ExtractArchive(ctx, dst, opts.extractDir); err != nil {
		return fmt.Errorf("extract %s: %w", dst, err)
	}
	logger.Info("Archive extracted into %s", opts.extractDir)
	return nil
}

// resolvePassphrase looks in the environment, then in the configuration,
// then asks on the terminal.
func (a *App) resolvePassphrase(ctx context.Context, envName string) (string, error) {
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return v, nil
		}
	}
	path, _ := a.resolveConfigPath()
	if cfg, err := config.LoadConfig(path); err == nil && cfg.EncryptionPassphrase != "" {
		return cfg.EncryptionPassphrase, nil
	}
	if a.Interactive == nil || !a.Interactive() {
		return "", configError(fmt.Errorf("no passphrase: set %s or ENCRYPTION_PASSPHRASE, or run from a terminal", envName))
	}
	pass, err := a.Prompter.Password(ctx, "Passphrase")
	if err != nil {
		if prompt.IsAborted(err) {
			return "", &exitError{code: types.ExitInterrupted, err: err}
		}
		return "", err
	}
	return pass, nil
}
