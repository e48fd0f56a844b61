package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/testisf/Discord-bot-verify/barracks"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Tests replace it.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable BR_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable BR_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := barracks.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig barracks.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", err.Error())
			}
			runtimeConfig = barracks.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password := promptCredentials(cmd)

			hashedPassword, err := barracks.HashPassword(password)
			if err != nil {
				log.Fatalf("Error hashing password: %v", err)
			}
			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				log.Fatalf("Error updating admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptCredentials asks for a username, then for a password until it's
// entered the same way twice
func promptCredentials(cmd *cobra.Command) (username string, password string) {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	for username == "" {
		fmt.Fprint(out, "Enter admin username: ")
		line, err := reader.ReadString('\n')
		username = strings.TrimSpace(line)
		if err != nil && username == "" {
			log.Fatalf("Error reading username: %v", err)
		}
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		password = string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, password
		}
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
