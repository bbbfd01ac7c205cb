// cmd/bookloans/ops.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bookloans/internal/consistency"
	"bookloans/internal/users"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate(cmd.Context())
		},
	}
}

// newAuditCmd runs the consistency checks once, prints the report as JSON and
// fails when the report is unhealthy.
func newAuditCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check copy accounting against active loans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			checker, err := a.checker()
			if err != nil {
				return err
			}
			report, err := checker.Run(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy {
				return consistency.ErrUnhealthy
			}
			return nil
		},
	}
}

func newAdminCmd(configPath *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Administrative tasks",
	}

	var req users.RegisterRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an Admin account",
		Long:  "Create an Admin account. The password is read from BOOKLOANS_ADMIN_PASSWORD when --password is not given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Password == "" {
				req.Password = os.Getenv("BOOKLOANS_ADMIN_PASSWORD")
			}
			if req.Password == "" {
				return errors.New("password is required")
			}

			cfg, err := loadConfig(*configPath, true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			svc, _, err := a.userService()
			if err != nil {
				return err
			}
			user, err := svc.CreateAdmin(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %d <%s>\n", user.ID, user.Email)
			return nil
		},
	}
	create.Flags().StringVar(&req.FullName, "name", "", "full name")
	create.Flags().StringVar(&req.Email, "email", "", "email address")
	create.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	create.Flags().StringVar(&req.Password, "password", "", "password")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("email")

	admin.AddCommand(create)
	return admin
}
