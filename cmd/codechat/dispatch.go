package codechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <action>",
	Short: "Send a command to the automation worker of a running gateway",
	Long: "Dispatch forwards {action, payload} to the worker. Navigation targets outside the allowlist are " +
		"dropped by the gateway without reaching the worker.\n\n" +
		"Actions: init, navigate, chat_chatgpt, chat_deepseek, chat_glm, chat_kimi, close.",
	Example: `  codechat dispatch init
  codechat dispatch navigate --payload '{"url":"https://chat.deepseek.com"}'
  codechat dispatch chat_chatgpt --payload '{"prompt":"hello"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

var dispatchPayload string

func init() {
	dispatchCmd.Flags().StringVarP(&dispatchPayload, "payload", "p", "", "JSON payload")

	workerCmd.AddCommand(workerRestartCmd)
	workerCmd.AddCommand(workerEventsCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	body := map[string]any{"action": args[0]}
	if dispatchPayload != "" {
		if !json.Valid([]byte(dispatchPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		body["payload"] = json.RawMessage(dispatchPayload)
	}

	c := newGatewayClient(config.Current())
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/worker/dispatch", body, nil); err != nil {
		return err
	}
	fmt.Println("accepted")
	return nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Control the automation worker of a running gateway",
}

var workerRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop and relaunch the automation worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newGatewayClient(config.Current())
		if err := c.do(cmd.Context(), http.MethodPost, "/v1/worker/restart", nil, nil); err != nil {
			return err
		}
		fmt.Println("worker restarted")
		return nil
	},
}

var workerEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the automation worker's output",
	RunE:  runWorkerEvents,
}

func runWorkerEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := newGatewayClient(config.Current())
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, _, err := websocket.Dial(ctx, c.wsURL("/v1/worker/events"), opts)
	if err != nil {
		return fmt.Errorf("connecting to worker events: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg struct {
			Type string `json:"type"`
			Line string `json:"line"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		if msg.Type == "worker_output" {
			fmt.Println(msg.Line)
		}
	}
}
