package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show team queues and slot loans",
	Long: `Show each team's pending and active tickets against its effective
slots (allocated plus borrowed minus lent), and the slot loans the
supervisor has made between teams.`,
	RunE: runQueues,
}

func runQueues(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	qs, err := c.Queues(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(qs)
	}

	rows := make([][]string, 0, len(qs.Queues))
	for _, q := range qs.Queues {
		rows = append(rows, []string{
			string(q.Team),
			strconv.Itoa(q.Pending),
			fmt.Sprintf("%d/%d", q.Active, q.EffectiveSlots),
			strconv.Itoa(q.AllocatedSlots),
			strconv.Itoa(q.BorrowedSlots),
			strconv.Itoa(q.LentSlots),
			strconv.Itoa(q.Blocked),
		})
	}
	fmt.Println(renderTable([]string{"Team", "Pending", "Active", "Allocated", "Borrowed", "Lent", "Blocked"}, rows))

	var loans [][]string
	for from, to := range qs.Loans {
		for borrower, n := range to {
			loans = append(loans, []string{string(from), string(borrower), strconv.Itoa(n)})
		}
	}
	if len(loans) == 0 {
		return nil
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i][0] != loans[j][0] {
			return loans[i][0] < loans[j][0]
		}
		return loans[i][1] < loans[j][1]
	})
	fmt.Println()
	fmt.Println(renderTable([]string{"Lender", "Borrower", "Slots"}, loans))
	return nil
}
