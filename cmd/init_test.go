package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testisf/Discord-bot-verify/barracks"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("BR_DATABASE_TYPE", "sqlite")
	t.Setenv("BR_DATABASE", dbPath)

	// a mismatched pair first, then a matching one
	passwords := []string{"testpassword", "typo", "testpassword", "testpassword"}
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
			viper.Reset()
			cfg = barracks.DefaultConfig()
		},
	)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader("testadmin\n"))
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
		},
	)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config barracks.RuntimeConfig
	require.NoError(t, db.First(&config).Error)
	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEqual(t, "testpassword", config.AdminPassword)

	valid, err := barracks.VerifyPassword(config.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&barracks.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&barracks.UserProfile{}))
	assert.True(t, mg.HasTable(&barracks.Verification{}))
	assert.True(t, mg.HasTable(&barracks.VerificationAttempt{}))
	assert.True(t, mg.HasTable(&barracks.ScheduledEvent{}))
	assert.True(t, mg.HasTable(&barracks.Ticket{}))
	assert.True(t, mg.HasTable(&barracks.InteractionLog{}))
	assert.True(t, mg.HasTable(&barracks.IdentityAPILog{}))

	// a second run leaves the credentials alone
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set.")
}
