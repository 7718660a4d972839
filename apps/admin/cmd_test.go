package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/auth"
	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/user"
	inmemdb "github.com/trezcool/alama/storage/database/inmem"
	testutil "github.com/trezcool/alama/tests"
)

func TestMain(m *testing.M) {
	os.Setenv("ENV", "TEST")
	core.NewConfig()
	os.Exit(m.Run())
}

type fakeProducer struct {
	published []string
}

func (p *fakeProducer) Publish(_ context.Context, id string) error {
	p.published = append(p.published, id)
	return nil
}

func setup(t *testing.T) (*commandLine, *inmemdb.DB, *fakeProducer) {
	t.Helper()

	db := inmemdb.NewDB()
	queue := new(fakeProducer)
	cli := &commandLine{
		db:     new(sqlx.DB), // migrations are mocked; never dialed
		usrSvc: user.NewService(inmemdb.NewUserRepository(db)),
		ops:    inmemdb.NewOperationRepository(db),
		queue:  queue,
	}
	return cli, db, queue
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, _ := setup(t)

	gooseRunFunc = func(command string, db *sql.DB, fsys fs.FS, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "analytics", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			if err := cli.run(args); err != nil {
				if tt.wantErr != nil {
					if err != tt.wantErr {
						t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
					}
				} else if tt.wantErrStr != "" {
					if err.Error() != tt.wantErrStr {
						t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
					}
				} else {
					t.Errorf("cli.run() unexpected error = %v", err)
				}
			}
		})
	}
}

func Test_commandLine_token(t *testing.T) {
	cli, db, _ := setup(t)

	teacher := testutil.CreateUser(t, db, "Mwalimu Kito", "kito", "kito@alama.cd", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, db, "Zena Said", "zena", "zena@alama.cd", []string{user.RoleStudent}, true)

	var buf bytes.Buffer
	out = &buf
	defer func() { out = os.Stdout }()

	tests := []struct {
		name    string
		args    []string
		wantErr error
		check   func(t *testing.T, claims *auth.Claims)
	}{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no flags", args: []string{"token"}, wantErr: errHelp},
		{name: "unknown username", args: []string{"token", "-username", "lol"}, wantErr: user.ErrNotFound},
		{
			name: "existing teacher",
			args: []string{"token", "-username", "kito"},
			check: func(t *testing.T, claims *auth.Claims) {
				if claims.Subject != teacher.ID {
					t.Errorf("claims.Subject = %q; want %q", claims.Subject, teacher.ID)
				}
				if claims.Username != "kito" {
					t.Errorf("claims.Username = %q; want %q", claims.Username, "kito")
				}
				if !claims.IsStaff() {
					t.Error("claims.IsStaff() = false; want true")
				}
			},
		},
		{
			name: "lookup by ID",
			args: []string{"token", "-user", student.ID},
			check: func(t *testing.T, claims *auth.Claims) {
				if claims.Username != "zena" {
					t.Errorf("claims.Username = %q; want %q", claims.Username, "zena")
				}
				if claims.IsStaff() {
					t.Error("claims.IsStaff() = true; want false")
				}
			},
		},
		{
			name: "staff grant",
			args: []string{"token", "-username", "zena", "-teacher"},
			check: func(t *testing.T, claims *auth.Claims) {
				if !claims.IsTeacher {
					t.Error("claims.IsTeacher = false; want true")
				}
			},
		},
		{
			name: "ad hoc admin",
			args: []string{"token", "-user", "dev-1", "-username", "dev", "-email", "dev@alama.cd", "-admin"},
			check: func(t *testing.T, claims *auth.Claims) {
				if claims.Subject != "dev-1" {
					t.Errorf("claims.Subject = %q; want %q", claims.Subject, "dev-1")
				}
				if claims.Email != "dev@alama.cd" {
					t.Errorf("claims.Email = %q; want %q", claims.Email, "dev@alama.cd")
				}
				if !claims.IsAdmin {
					t.Error("claims.IsAdmin = false; want true")
				}
			},
		},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			err := cli.run(args)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("cli.run() unexpected error = %v", err)
			}
			claims, err := auth.VerifyToken(strings.TrimSpace(buf.String()))
			if err != nil {
				t.Fatalf("auth.VerifyToken() failed, %v", err)
			}
			tt.check(t, claims)
		})
	}
}

func Test_commandLine_requeue(t *testing.T) {
	cli, _, queue := setup(t)

	out = new(bytes.Buffer)
	defer func() { out = os.Stdout }()

	ctx := context.Background()
	mustOp := func(op csvtask.Operation) csvtask.Operation {
		t.Helper()
		op, err := cli.ops.CreateOperation(ctx, op)
		if err != nil {
			t.Fatalf("CreateOperation() failed, %v", err)
		}
		return op
	}
	courseID := "course-v1:alama+ADM101+2026"
	pending := mustOp(csvtask.Operation{Kind: "grade", UniqueID: courseID, UserID: "1", Operation: csvtask.OpCommit})
	committed := mustOp(csvtask.Operation{Kind: "grade", UniqueID: courseID, UserID: "1", Operation: csvtask.OpCommit, Committed: true})
	staged := mustOp(csvtask.Operation{Kind: "grade", UniqueID: courseID, UserID: "1", Operation: csvtask.OpStage})

	tests := []cliTest{
		{name: "no op flag", args: []string{"requeue"}, wantErr: errHelp},
		{name: "unknown op", args: []string{"requeue", "-op", "lol"}, wantErr: csvtask.ErrOperationNotFound},
		{name: "already committed", args: []string{"requeue", "-op", committed.ID}, wantErrStr: fmt.Sprintf("operation %q is already committed", committed.ID)},
		{name: "no deferred commit", args: []string{"requeue", "-op", staged.ID}, wantErrStr: fmt.Sprintf("operation %q has no deferred commit", staged.ID)},
		{name: "requeued", args: []string{"requeue", "-op", pending.ID}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			switch {
			case tt.wantErr != nil:
				if err != tt.wantErr {
					t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
				}
			case tt.wantErrStr != "":
				if err == nil || err.Error() != tt.wantErrStr {
					t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
				}
			default:
				if err != nil {
					t.Errorf("cli.run() unexpected error = %v", err)
				}
			}
		})
	}

	if want := []string{pending.ID}; !reflect.DeepEqual(queue.published, want) {
		t.Errorf("queue.published = %v; want %v", queue.published, want)
	}
}
