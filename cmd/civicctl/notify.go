package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	cmnenv "civic_realtime/server/common/env"
	"civic_realtime/server/common/infra/httpclient"
	"civic_realtime/server/common/middleware"
	"civic_realtime/server/notify/domain"
	"civic_realtime/server/notify/service"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Invoke the notification function with the service key",
	Long: `Invoke the notification function as a backend caller.

Examples:
  civicctl notify --user u1 --type event_published --title "Town hall tonight"
  civicctl notify --user u1 --type reply --title "New reply" --data '{"thread":"t9"}' --no-email`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		endpoint, _ := flags.GetString("endpoint")
		key, _ := flags.GetString("service-key")
		if key == "" {
			key = cmnenv.String("SERVICE_KEY", "")
		}
		if key == "" {
			return fmt.Errorf("service key is required (--service-key or $SERVICE_KEY)")
		}

		req := service.DeliveryRequest{}
		req.UserID, _ = flags.GetString("user")
		req.Type, _ = flags.GetString("type")
		req.Title, _ = flags.GetString("title")
		req.Message, _ = flags.GetString("message")
		req.ActionURL, _ = flags.GetString("action-url")
		priority, _ := flags.GetString("priority")
		req.Priority = domain.Priority(priority)
		if data, _ := flags.GetString("data"); data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			req.Data = json.RawMessage(data)
		}
		if noPush, _ := flags.GetBool("no-push"); noPush {
			req.SendPush = new(bool)
		}
		if noEmail, _ := flags.GetBool("no-email"); noEmail {
			req.SendEmail = new(bool)
		}

		client := httpclient.NewClient([]string{endpoint}, httpclient.Options{
			Headers: map[string]string{middleware.ServiceKeyHeader: key},
		})
		var res service.DeliveryResult
		if err := client.Post(cmd.Context(), "/functions/v1/notify", req, &res); err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	f := notifyCmd.Flags()
	f.String("endpoint", "http://localhost:8081", "Notify service base URL")
	f.String("service-key", "", "Backend service key (default $SERVICE_KEY)")
	f.String("user", "", "Recipient user id")
	f.String("type", "", "Event type")
	f.String("title", "", "Title")
	f.String("message", "", "Body text")
	f.String("priority", "", "low, medium, high or urgent")
	f.String("action-url", "", "Link opened from the notification")
	f.String("data", "", "JSON object attached to the notification")
	f.Bool("no-push", false, "Do not request push delivery")
	f.Bool("no-email", false, "Do not request email delivery")
	_ = notifyCmd.MarkFlagRequired("user")
	_ = notifyCmd.MarkFlagRequired("type")
	_ = notifyCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(notifyCmd)
}
