package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	echoapi "github.com/trezcool/masomo-proctor/apps/api/echo"
	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp      = errors.New("help provided")
	errNoArchive = errors.New("no archive configured for this storage driver")
	errNoDB      = errors.New("migrations need the postgres storage driver")
)

type commandLine struct {
	conf    *core.Config
	db      *sql.DB         // nil unless the postgres driver is configured
	archive proctor.Archive // nil for the memory driver
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                              - run a goose command (up, down, status, version...)")
	fmt.Fprintln(cli.out, "  sessions [-state STATE] [-exam ID] [-subject ID]   - list archived sessions")
	fmt.Fprintln(cli.out, "  session -id ID                                      - print an archived session log")
	fmt.Fprintln(cli.out, "  stats [-exam ID] [-subject ID]                      - aggregate violation figures")
	fmt.Fprintln(cli.out, "  token -subject ID [-exam ID] [-proctor]             - issue an API token. The signing key is prompted next.")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	sessionsCmd := flag.NewFlagSet("sessions", flag.ContinueOnError)
	sessionsState := sessionsCmd.String("state", "", "idle, active, terminated or completed")
	sessionsExam := sessionsCmd.String("exam", "", "exam id")
	sessionsSubject := sessionsCmd.String("subject", "", "subject id")

	sessionCmd := flag.NewFlagSet("session", flag.ContinueOnError)
	sessionID := sessionCmd.String("id", "", "session id")

	statsCmd := flag.NewFlagSet("stats", flag.ContinueOnError)
	statsExam := statsCmd.String("exam", "", "exam id")
	statsSubject := statsCmd.String("subject", "", "subject id")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenSubject := tokenCmd.String("subject", "", "the token's subject")
	tokenExam := tokenCmd.String("exam", "", "restrict the token to an exam")
	tokenProctor := tokenCmd.Bool("proctor", false, "grant the proctor role")

	for _, fs := range []*flag.FlagSet{sessionsCmd, sessionCmd, statsCmd, tokenCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "sessions":
		if err := sessionsCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		return cli.listSessions(proctor.Filter{
			State:     proctor.State(*sessionsState),
			ExamID:    *sessionsExam,
			SubjectID: *sessionsSubject,
		})

	case "session":
		if err := sessionCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *sessionID == "" {
			sessionCmd.Usage()
			return errHelp
		}
		return cli.showSession(*sessionID)

	case "stats":
		if err := statsCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		return cli.stats(proctor.Filter{ExamID: *statsExam, SubjectID: *statsSubject})

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *tokenSubject == "" {
			tokenCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter signing key (empty for the configured one):")
		key, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		var roles []string
		if *tokenProctor {
			roles = append(roles, echoapi.RoleProctor)
		}
		return cli.issueToken(string(key), *tokenSubject, *tokenExam, roles...)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) listSessions(f proctor.Filter) error {
	if cli.archive == nil {
		return errNoArchive
	}
	sessions, err := cli.archive.Query(context.Background(), f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tEXAM\tSTATE\tVIOLATIONS\tREASON\tCREATED")
	for _, s := range sessions {
		reason := "-"
		if s.Outcome != nil {
			reason = string(s.Outcome.Reason)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.SubjectID, s.ExamID, s.State, s.ViolationCount, reason, s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (cli *commandLine) showSession(id string) error {
	if cli.archive == nil {
		return errNoArchive
	}
	s, err := cli.archive.Get(context.Background(), id)
	if err != nil {
		return err
	}
	return cli.printJSON(s)
}

func (cli *commandLine) stats(f proctor.Filter) error {
	if cli.archive == nil {
		return errNoArchive
	}
	sessions, err := cli.archive.Query(context.Background(), f)
	if err != nil {
		return err
	}
	return cli.printJSON(proctor.ComputeStats(sessions))
}

func (cli *commandLine) issueToken(key, subject, examID string, roles ...string) error {
	if key == "" {
		key = cli.conf.SecretKey
	}
	token, err := echoapi.GenerateToken(key, echoapi.NewClaims(cli.conf, subject, examID, roles...))
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}

func (cli *commandLine) printJSON(v interface{}) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
