package codechat

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/codechat-universal/codechat/pkg/config"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of a running gateway and its worker",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newGatewayClient(config.Current())
	ctx := cmd.Context()

	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		fmt.Println("gateway: not running")
		return nil
	}
	fmt.Printf("gateway: healthy at %s\n", c.baseURL)

	var st struct {
		Running     bool `json:"running"`
		Subscribers int  `json:"subscribers"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/worker/status", nil, &st)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotImplemented:
		fmt.Println("worker: disabled")
	case err != nil:
		fmt.Printf("worker: unknown (%v)\n", err)
	case st.Running:
		fmt.Printf("worker: running (%d event subscribers)\n", st.Subscribers)
	default:
		fmt.Println("worker: stopped (use `codechat worker restart`)")
	}
	return nil
}
