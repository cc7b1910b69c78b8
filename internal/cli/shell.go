package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/dataset"
	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/service"
)

var errUsage = errors.New("usage")

// shellCommand is one entry of the editor shell's command registry.
type shellCommand struct {
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

// commandRegistry maps command names to their handlers. It is filled in
// init because help reads it.
var commandRegistry map[string]shellCommand

// commandAliases maps short names to registry entries.
var commandAliases = map[string]string{
	"ls":     "list",
	"exit":   "quit",
	"q":      "quit",
	"rm":     "delete",
	"del":    "delete",
	"dup":    "duplicate",
	"?":      "help",
	"sel":    "select",
	"delsel": "delete-selected",
}

func init() {
	commandRegistry = map[string]shellCommand{
		"list":            {"list", "show every record", cmdList},
		"show":            {"show <n>", "show one record in full", cmdShow},
		"set":             {"set <n> <field> <value>", "set name, description, price, discounted_price, availability, source_url or premium", cmdSet},
		"values":          {"values <n> <field> [v1, v2, ...]", "replace sizes, colors, material or categories", cmdValues},
		"toggle":          {"toggle <n> <field> <value>", "add or remove one value of a set field", cmdToggle},
		"image":           {"image <n> add <url> | rm <pos> | mv <from> <to>", "edit a record's images", cmdImage},
		"add":             {"add <name>", "append a new record", cmdAdd},
		"duplicate":       {"duplicate <n>", "copy a record to the end", cmdDuplicate},
		"delete":          {"delete <n>", "delete a record", cmdDelete},
		"select":          {"select <n>... | all | none", "toggle selection", cmdSelect},
		"delete-selected": {"delete-selected", "delete all selected records", cmdDeleteSelected},
		"reset":           {"reset", "discard all edits since load", cmdReset},
		"diff":            {"diff", "list changes against the loaded records", cmdDiff},
		"save":            {"save", "write the dataset to staging", cmdSave},
		"discard":         {"discard", "drop the staged copy and all edits", cmdDiscard},
		"upload":          {"upload", "enrich weights and upload the dataset", cmdUpload},
		"help":            {"help", "show this help", cmdHelp},
		"quit":            {"quit", "save and leave", cmdQuit},
	}
}

// shell is the interactive editor. All state changes happen on the goroutine
// that calls run.
type shell struct {
	ctx     context.Context
	session *service.Session
	out     io.Writer
	logger  *slog.Logger
	quit    bool
}

func newShell(ctx context.Context, session *service.Session, out io.Writer, logger *slog.Logger) *shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &shell{ctx: ctx, session: session, out: out, logger: logger}
}

func (sh *shell) editor() *dataset.Editor {
	return sh.session.Editor()
}

func (sh *shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

// exec dispatches one input line.
func (sh *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if alias, ok := commandAliases[name]; ok {
		name = alias
	}
	cmd, ok := commandRegistry[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try 'help'", fields[0])
	}
	if err := cmd.run(sh, fields[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s", cmd.usage)
		}
		return err
	}
	return nil
}

// run reads commands from in until quit, EOF or ctx is done. Auto-save ticks
// are handled on the same loop as input lines. The dataset is saved on the
// way out.
func (sh *shell) run(in io.Reader, autosave time.Duration) error {
	ctx, cancel := context.WithCancel(sh.ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var tick <-chan time.Time
	if autosave > 0 {
		ticker := time.NewTicker(autosave)
		defer ticker.Stop()
		tick = ticker.C
	}

	sh.prompt()
	for {
		select {
		case <-ctx.Done():
			return sh.saveOnExit()

		case line, ok := <-lines:
			if !ok {
				return sh.saveOnExit()
			}
			if err := sh.exec(line); err != nil {
				sh.printf("error: %v\n", err)
			}
			if sh.quit {
				return sh.saveOnExit()
			}
			sh.prompt()

		case <-tick:
			wrote, err := sh.session.Save()
			if err != nil {
				sh.logger.Warn("autosave failed", "error", err)
				continue
			}
			if wrote {
				sh.logger.Debug("autosaved", "records", sh.editor().Len())
			}
		}
	}
}

func (sh *shell) prompt() {
	marker := ""
	if sh.session.Pending() {
		marker = "*"
	}
	sh.printf("scrapedeck%s> ", marker)
}

func (sh *shell) saveOnExit() error {
	wrote, err := sh.session.Save()
	if err != nil {
		return err
	}
	if wrote {
		sh.printf("\nSaved %d records to staging.\n", sh.editor().Len())
	}
	return nil
}

// parseIndex turns a 1-based row number into an index.
func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", dataset.ErrIndexOutOfRange, s)
	}
	return n - 1, nil
}

func parseField(s string) (dataset.Field, error) {
	return dataset.ParseField(strings.ToLower(s))
}

func splitValues(args []string) []string {
	joined := strings.Join(args, " ")
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func cmdList(sh *shell, args []string) error {
	ed := sh.editor()
	if ed.Len() == 0 {
		sh.printf("No records loaded.\n")
		return nil
	}
	for i, r := range ed.Records() {
		mark := " "
		if ed.IsDirty(i) {
			mark = "*"
		}
		sel := " "
		if ed.IsSelected(i) {
			sel = ">"
		}
		price := formatPrice(r.Price)
		if r.DiscountedPrice > 0 {
			price += " (" + formatPrice(r.DiscountedPrice) + ")"
		}
		sh.printf("%s%s%4d  %-40s %-18s %s\n", sel, mark, i+1, truncate(r.Name, 40), price, strings.Join(r.Colors, ", "))
	}
	sh.printf("%d records, %d changed, %d selected\n", ed.Len(), len(ed.Dirty()), len(ed.Selected()))
	return nil
}

func cmdShow(sh *shell, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	r, err := sh.editor().Record(i)
	if err != nil {
		return err
	}

	sh.printf("#%d %s\n", i+1, r.Name)
	sh.printf("  description:      %s\n", r.Description)
	sh.printf("  price:            %s\n", formatPrice(r.Price))
	sh.printf("  discounted_price: %s\n", formatPrice(r.DiscountedPrice))
	sh.printf("  availability:     %s\n", r.Availability)
	sh.printf("  premium:          %t\n", r.IsPremium)
	for _, f := range dataset.Fields {
		values, _ := sh.editor().Values(f, i)
		sh.printf("  %-17s %s\n", string(f)+":", strings.Join(values, ", "))
	}
	sh.printf("  source_url:       %s\n", r.SourceURL)
	sh.printf("  weight:           %g\n", r.Weight)
	sh.printf("  extraction:       %s\n", r.ExtractionMethod)
	images, more := r.DisplayImages()
	for pos, img := range images {
		sh.printf("  image %d:          %s\n", pos+1, img)
	}
	if more > 0 {
		sh.printf("  +%d more images\n", more)
	}
	return nil
}

func cmdSet(sh *shell, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	value := strings.Join(args[2:], " ")
	ed := sh.editor()

	switch strings.ToLower(args[1]) {
	case "name", "product_name":
		err = ed.SetName(i, value)
	case "description":
		err = ed.SetDescription(i, value)
	case "price":
		err = ed.SetPrice(i, value)
	case "discounted_price", "discount":
		err = ed.SetDiscountedPrice(i, value)
	case "availability":
		err = ed.SetAvailability(i, value)
	case "source_url", "url":
		err = ed.SetSourceURL(i, value)
	case "premium", "is_premium":
		premium, perr := strconv.ParseBool(value)
		if perr != nil {
			return fmt.Errorf("premium must be true or false, got %q", value)
		}
		err = ed.SetPremium(i, premium)
	default:
		if _, ferr := parseField(args[1]); ferr == nil {
			return fmt.Errorf("%s is a set field, use 'values' or 'toggle'", args[1])
		}
		return fmt.Errorf("%w: %q", dataset.ErrUnknownField, args[1])
	}
	return err
}

func cmdValues(sh *shell, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	f, err := parseField(args[1])
	if err != nil {
		return err
	}
	if err := sh.editor().SetValues(f, i, splitValues(args[2:])); err != nil {
		return err
	}
	values, _ := sh.editor().Values(f, i)
	sh.printf("%s: %s\n", f, strings.Join(values, ", "))
	return nil
}

func cmdToggle(sh *shell, args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	f, err := parseField(args[1])
	if err != nil {
		return err
	}
	res, err := sh.editor().Toggle(f, i, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	sh.printf("%s: %s\n", f, strings.Join(res.Values, ", "))
	return nil
}

func cmdImage(sh *shell, args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	ed := sh.editor()

	switch args[1] {
	case "add":
		return ed.AddImage(i, args[2])
	case "rm", "remove":
		pos, err := parseIndex(args[2])
		if err != nil {
			return err
		}
		return ed.RemoveImage(i, pos)
	case "mv", "move":
		if len(args) != 4 {
			return errUsage
		}
		from, err := parseIndex(args[2])
		if err != nil {
			return err
		}
		to, err := parseIndex(args[3])
		if err != nil {
			return err
		}
		return ed.MoveImage(i, from, to)
	}
	return errUsage
}

func cmdAdd(sh *shell, args []string) error {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		return errUsage
	}
	i := sh.editor().AddRecord(models.Record{Name: name})
	sh.printf("Added #%d\n", i+1)
	return nil
}

func cmdDuplicate(sh *shell, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	j, err := sh.editor().Duplicate(i)
	if err != nil {
		return err
	}
	sh.printf("Duplicated #%d as #%d\n", i+1, j+1)
	return nil
}

func cmdDelete(sh *shell, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	i, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	return sh.editor().Delete(i)
}

func cmdSelect(sh *shell, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	ed := sh.editor()
	switch args[0] {
	case "all":
		ed.SelectAll()
		return nil
	case "none":
		ed.ClearSelection()
		return nil
	}
	for _, a := range args {
		i, err := parseIndex(a)
		if err != nil {
			return err
		}
		if _, err := ed.ToggleSelected(i); err != nil {
			return err
		}
	}
	return nil
}

func cmdDeleteSelected(sh *shell, args []string) error {
	n, err := sh.editor().DeleteSelected()
	if err != nil {
		return err
	}
	sh.printf("Deleted %d records\n", n)
	return nil
}

func cmdReset(sh *shell, args []string) error {
	sh.editor().Reset()
	sh.printf("All edits discarded.\n")
	return nil
}

func cmdDiff(sh *shell, args []string) error {
	changes := sh.editor().Diff()
	if len(changes) == 0 {
		sh.printf("No changes.\n")
		return nil
	}
	for _, c := range changes {
		switch c.Kind {
		case dataset.ChangeAdded:
			sh.printf("+ #%d %s\n", c.Index+1, c.Name)
		case dataset.ChangeRemoved:
			sh.printf("- %s\n", c.Name)
		case dataset.ChangeModified:
			sh.printf("~ #%d %s (%s)\n", c.Index+1, c.Name, strings.Join(c.Fields, ", "))
		}
	}
	return nil
}

func cmdSave(sh *shell, args []string) error {
	wrote, err := sh.session.Save()
	if err != nil {
		return err
	}
	if wrote {
		sh.printf("Saved %d records.\n", sh.editor().Len())
	} else {
		sh.printf("Nothing to save.\n")
	}
	return nil
}

func cmdDiscard(sh *shell, args []string) error {
	if err := sh.session.Discard(); err != nil {
		return err
	}
	sh.printf("Staged copy removed, edits discarded.\n")
	return nil
}

func cmdUpload(sh *shell, args []string) error {
	sh.printf("Uploading %d records...\n", sh.editor().Len())
	report, err := sh.session.Upload(sh.ctx)
	printEnrichReport(sh.out, report.Enrich)
	if err != nil {
		return err
	}
	sh.printf("Uploaded %d records.\n", report.Uploaded)
	return nil
}

func cmdHelp(sh *shell, args []string) error {
	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c := commandRegistry[name]
		sh.printf("  %-48s %s\n", c.usage, c.help)
	}
	sh.printf("Rows are numbered from 1.\n")
	return nil
}

func cmdQuit(sh *shell, args []string) error {
	sh.quit = true
	return nil
}

func formatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
