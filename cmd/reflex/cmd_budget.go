package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and top up the budget ledger",
	RunE:  showBudget,
}

var budgetAddCmd = &cobra.Command{
	Use:   "add [amount]",
	Short: "Credit the budget",
	Args:  cobra.ExactArgs(1),
	RunE:  addBudget,
}

var budgetLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the spend log",
	RunE:  showSpendLog,
}

var spendLogLimit int

func init() {
	budgetLogCmd.Flags().IntVarP(&spendLogLimit, "limit", "n", 20, "Number of entries to show (0 for all)")
	budgetCmd.AddCommand(budgetAddCmd)
	budgetCmd.AddCommand(budgetLogCmd)
}

func showBudget(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Printf("balance: %.2f\n", eng.ledger.Balance())
	return nil
}

func addBudget(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[0], 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive number, got %q", args[0])
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.ledger.Credit(amount, "manual top-up"); err != nil {
		return err
	}

	logger.Info("Budget credited", zap.Float64("amount", amount))
	fmt.Printf("balance: %.2f\n", eng.ledger.Balance())
	return nil
}

func showSpendLog(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	entries := eng.ledger.SpendLog()
	if spendLogLimit > 0 && len(entries) > spendLogLimit {
		entries = entries[len(entries)-spendLogLimit:]
	}

	if len(entries) == 0 {
		fmt.Println("spend log is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %8.2f  %s  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Amount, e.ID, e.Reason)
	}
	return nil
}
