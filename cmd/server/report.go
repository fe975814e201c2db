package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/quarry-ledger/ledger"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(payrollCmd)

	balanceCmd.Flags().String("kind", "", "Counter-party kind: client, contractor, crusher, supplier or administration")
	balanceCmd.Flags().String("id", "", "Counter-party id")
	_ = balanceCmd.MarkFlagRequired("kind")
	_ = balanceCmd.MarkFlagRequired("id")

	payrollCmd.Flags().String("id", "", "Employee id")
	_ = payrollCmd.MarkFlagRequired("id")
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the balance of a counter-party",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("id")
		kind, err := ledger.ParseKind(name)
		if err != nil {
			return err
		}
		if kind == ledger.KindEmployee {
			return errors.New("employees have no ledger balance, use the payroll command")
		}

		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.store.Close()
		bal, err := a.engine().ComputeBalance(cmd.Context(), id, kind)
		if err != nil {
			return err
		}
		return printJSON(bal)
	},
}

var payrollCmd = &cobra.Command{
	Use:   "payroll",
	Short: "Print the payroll result of an employee",
	Long: `Print the payroll result of an employee. An invalid calculation is
printed with "valid": false and a reason, and the balance forced to 0.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetString("id")
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.store.Close()
		res, err := a.engine().ComputeEmployeeBalance(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
