package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/roelfdiedericks/clawcore/internal/cron"
)

// CronCmd groups the job management subcommands. They edit the jobs file
// directly; a running server picks changes up on restart.
type CronCmd struct {
	List    CronListCmd    `cmd:"" help:"List jobs."`
	Add     CronAddCmd     `cmd:"" help:"Add a job."`
	Remove  CronRemoveCmd  `cmd:"" aliases:"rm" help:"Remove a job."`
	Enable  CronEnableCmd  `cmd:"" help:"Enable a job and schedule its next run."`
	Disable CronDisableCmd `cmd:"" help:"Disable a job without removing it."`
	Runs    CronRunsCmd    `cmd:"" help:"Show recent runs of a job."`
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func (cli *CLI) openCronService() (*cron.Service, error) {
	cfg, _, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	return openCron(cfg.Cron)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// CronListCmd lists jobs.
type CronListCmd struct {
	Session string `help:"Only jobs owned by this session."`
	JSON    bool   `help:"Print the stored job records as JSON."`
}

func (c *CronListCmd) Run(cli *CLI) error {
	svc, err := cli.openCronService()
	if err != nil {
		return err
	}
	defer svc.Close()

	jobs := svc.ListJobs(c.Session)
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println(dimStyle.Render("no jobs"))
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		enabled := "yes"
		if !job.Enabled {
			enabled = "no"
		}
		rows = append(rows, []string{
			job.ID, job.Name, job.SessionID, job.Schedule.String(), enabled,
			formatTime(job.NextRun), formatTime(job.LastRun),
		})
	}
	fmt.Println(renderTable([]string{"ID", "Name", "Session", "Schedule", "Enabled", "Next run", "Last run"}, rows))
	return nil
}

// CronAddCmd adds a job.
type CronAddCmd struct {
	Expression string `arg:"" help:"Schedule: \"every <n>[smhdw]\", \"at <time|+duration>\" or a cron expression."`
	Prompt     string `arg:"" help:"Prompt to run."`
	Session    string `default:"console" help:"Owning session id."`
	Name       string `help:"Job name (defaults to the expression)."`
	Channel    string `help:"Deliver replies to this channel."`
	Target     string `help:"Deliver replies to this target within the channel."`
}

func (c *CronAddCmd) Run(cli *CLI) error {
	svc, err := cli.openCronService()
	if err != nil {
		return err
	}
	defer svc.Close()

	id, err := svc.AddJobWithPayload(c.Session, c.Expression, c.Name, cron.Payload{
		Prompt:  c.Prompt,
		Channel: c.Channel,
		Target:  c.Target,
	})
	if err != nil {
		return err
	}
	job, _ := svc.GetJob(id)
	fmt.Printf("added %s (%s), next run %s\n", id, job.Schedule.String(), formatTime(job.NextRun))
	return nil
}

// CronRemoveCmd removes a job and its history.
type CronRemoveCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *CronRemoveCmd) Run(cli *CLI) error {
	svc, err := cli.openCronService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if !svc.RemoveJob(c.ID) {
		return fmt.Errorf("%w: %s", cron.ErrJobNotFound, c.ID)
	}
	fmt.Printf("removed %s\n", c.ID)
	return nil
}

// CronEnableCmd enables a job.
type CronEnableCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *CronEnableCmd) Run(cli *CLI) error {
	return setJobEnabled(cli, c.ID, true)
}

// CronDisableCmd disables a job.
type CronDisableCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *CronDisableCmd) Run(cli *CLI) error {
	return setJobEnabled(cli, c.ID, false)
}

func setJobEnabled(cli *CLI, id string, enabled bool) error {
	svc, err := cli.openCronService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.SetEnabled(id, enabled); err != nil {
		return err
	}
	job, _ := svc.GetJob(id)
	state := "disabled"
	if enabled {
		state = "enabled, next run " + formatTime(job.NextRun)
	}
	fmt.Printf("%s %s\n", id, state)
	return nil
}

// CronRunsCmd prints a job's run history.
type CronRunsCmd struct {
	ID    string `arg:"" help:"Job id."`
	Limit int    `default:"20" help:"Maximum runs to show."`
}

func (c *CronRunsCmd) Run(cli *CLI) error {
	svc, err := cli.openCronService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, ok := svc.GetJob(c.ID); !ok {
		return fmt.Errorf("%w: %s", cron.ErrJobNotFound, c.ID)
	}
	runs, err := svc.GetRuns(c.ID, c.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println(dimStyle.Render("no runs recorded"))
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		detail := run.Summary
		if run.Error != "" {
			detail = run.Error
		}
		rows = append(rows, []string{
			time.UnixMilli(run.Ts).Local().Format("2006-01-02 15:04:05"),
			run.Status,
			(time.Duration(run.DurationMs) * time.Millisecond).String(),
			truncate(detail, 80),
		})
	}
	fmt.Println(renderTable([]string{"Time", "Status", "Duration", "Output"}, rows))
	return nil
}
