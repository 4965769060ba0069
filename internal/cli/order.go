package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewOrderCmd создаёт группу команд для ордеров.
func NewOrderCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and cancel orders",
	}

	cmd.AddCommand(
		newOrderListCmd(clientFn, outputFn),
		newOrderShowCmd(clientFn, outputFn),
		newOrderCancelCmd(clientFn, outputFn),
	)

	return cmd
}

// NewPositionsCmd создаёт команду вывода позиций.
func NewPositionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show net positions per market",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			positions, err := client.ListPositions(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"MARKET", "NET", "IN_FLIGHT", "NOTIONAL", "IN_FLIGHT_NOTIONAL"}
			rows := make([][]string, len(positions))
			for i, p := range positions {
				rows[i] = []string{
					p.MarketID, strconv.FormatInt(p.Net, 10), strconv.FormatInt(p.InFlight, 10),
					p.Notional, p.InFlightNotional,
				}
			}

			out.Print(headers, rows, positions)
			return nil
		},
	}
}

var orderHeaders = []string{"KEY", "MARKET", "SIDE", "OUTCOME", "SIZE", "PRICE", "STATUS", "FILLED", "REASON"}

func orderRow(o OrderResponse) []string {
	return []string{
		o.Key, o.MarketID, o.Side, o.Outcome, strconv.FormatInt(o.Size, 10),
		o.Price, o.Status, strconv.FormatInt(o.FilledQty, 10), o.RejectReason,
	}
}

func newOrderListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListOrdersOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			orders, err := client.ListOrders(cmd.Context(), opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(orders))
			for i, o := range orders {
				rows[i] = orderRow(o)
			}

			out.Print(orderHeaders, rows, orders)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Filter by run ID")
	cmd.Flags().StringVar(&opts.MarketID, "market", "", "Filter by market ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (PENDING, SUBMITTED, PARTIALLY_FILLED, FILLED, REJECTED, CANCELLED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newOrderShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show order details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			order, err := client.GetOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(orderHeaders, [][]string{orderRow(*order)}, order)
			return nil
		},
	}
}

func newOrderCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel KEY",
		Short: "Cancel an open order on the venue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			order, err := client.CancelOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Order %s: %s (filled %d)", order.Key, order.Status, order.FilledQty))
			return nil
		},
	}
}
