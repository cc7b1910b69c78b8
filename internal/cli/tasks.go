package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var tasksStored bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List active scrape tasks",
	Long: `List the tasks the scraping server is currently running.

Examples:
  scrapedeck tasks            # Active tasks
  scrapedeck tasks --stored   # Finished results archived on the server`,
	Args: cobra.NoArgs,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().BoolVar(&tasksStored, "stored", false, "list archived results instead of active tasks")
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	api := newAPIClient()

	if tasksStored {
		return listStoredTasks(ctx)
	}

	tasks, err := newRegistry(api).ListActive(ctx)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No active tasks")
		return nil
	}

	fmt.Printf("%-38s %-12s %-10s %-5s %-9s %s\n", "ID", "TYPE", "STATUS", "URLS", "PROGRESS", "STARTED")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, t := range tasks {
		fmt.Printf("%-38s %-12s %-10s %-5d %-9s %s\n",
			t.TaskID, t.ScraperType, t.Status, t.URLsCount,
			fmt.Sprintf("%d%%", t.CurrentProgress.Percentage), t.StartTime)
	}
	return nil
}

func listStoredTasks(ctx context.Context) error {
	tasks, err := newAPIClient().StoredTasks(ctx)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No stored results")
		return nil
	}

	fmt.Printf("%-38s %-12s %-8s %-9s %s\n", "ID", "TYPE", "RECORDS", "VERSION", "TIMESTAMP")
	fmt.Println("------------------------------------------------------------------------------------------")
	for _, t := range tasks {
		fmt.Printf("%-38s %-12s %-8d %-9s %s\n", t.TaskID, t.ScraperType, t.ProductsCount, t.PreferredVersion, t.Timestamp)
	}
	return nil
}
