package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/user"
)

var (
	out io.Writer = os.Stdout // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db     *sqlx.DB
	usrSvc user.Service
	ops    csvtask.OperationRepository
	queue  csvtask.Producer
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - apply database migrations (up, up-to, down, status, ...)")
	fmt.Println("  token -username USERNAME - mint a JWT for an existing account")
	fmt.Println("  requeue -op ID - push a deferred operation back onto the queue")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	tokenCmd := flag.NewFlagSet("token", flag.ExitOnError)
	tokenUID := tokenCmd.String("user", "", "The account's ID. With -username, skips the lookup.")
	tokenUname := tokenCmd.String("username", "", "The account's username.")
	tokenEmail := tokenCmd.String("email", "", "The email claim; only used when the lookup is skipped.")
	tokenTeacher := tokenCmd.Bool("teacher", false, "Add the teacher role to the claims.")
	tokenAdmin := tokenCmd.Bool("admin", false, "Add the admin role to the claims.")

	requeueCmd := flag.NewFlagSet("requeue", flag.ExitOnError)
	requeueOp := requeueCmd.String("op", "", "The operation's ID.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenUID == "" && *tokenUname == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenUID, *tokenUname, *tokenEmail, *tokenTeacher, *tokenAdmin)
	case "requeue":
		if err := requeueCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *requeueOp == "" {
			requeueCmd.Usage()
			return errHelp
		}
		return cli.requeue(*requeueOp)
	default:
		cli.printUsage()
		return errHelp
	}
}
