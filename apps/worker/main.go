package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/mail"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
	"github.com/trezcool/alama/core/grades"
	"github.com/trezcool/alama/core/user"
	analyticssvc "github.com/trezcool/alama/services/analytics"
	emailsvc "github.com/trezcool/alama/services/email"
	gradebooksvc "github.com/trezcool/alama/services/gradebook"
	logsvc "github.com/trezcool/alama/services/logger"
	queuesvc "github.com/trezcool/alama/services/queue"
	"github.com/trezcool/alama/storage/database"
	sqlxrepos "github.com/trezcool/alama/storage/database/sqlx"
	"github.com/trezcool/alama/storage/files"
)

// worker drains the operations queue. Each message is the ID of a staged
// operation whose commit the API deferred.
type worker struct {
	logger        core.Logger
	mail          core.EmailService
	users         user.Service
	runnerDeps    csvtask.Deps
	processorDeps grades.ProcessorDeps
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "WORKER : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// set up services
	enrollSvc := enroll.NewService(sqlxrepos.NewEnrollmentRepository(db))
	gradesSvc := grades.NewService(sqlxrepos.NewScoreRepository(db))
	usrSvc := user.NewService(sqlxrepos.NewUserRepository(db))

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService()
	} else {
		mailSvc = emailsvc.NewSendgridService(logger)
	}

	var gradebook grades.Gradebook
	if conf.Gradebook.URL != "" {
		gradebook = gradebooksvc.NewClient(conf.Gradebook)
	} else {
		gradebook = gradebooksvc.NewDummy()
	}

	var analytics grades.Analytics
	if conf.Analytics.URL != "" {
		analytics = analyticssvc.NewClient(conf.Analytics)
	} else {
		analytics = analyticssvc.NewDummy()
	}

	queue, err := queuesvc.New(conf.Queue)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up queue: %v", err), err)
	}
	defer queue.Close()

	store, err := files.NewLocalStore(conf.Uploads.Dir)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up file store: %v", err), err)
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Worker initializing : version %q", conf.Build))
	defer logger.Info("Worker stopped")

	core.ParseEmailTemplates(logger)

	w := &worker{
		logger: logger,
		mail:   mailSvc,
		users:  usrSvc,
		runnerDeps: csvtask.Deps{
			Ops:    sqlxrepos.NewOperationRepository(db),
			Files:  store,
			Queue:  queue,
			Logger: logger,
			Conf:   conf,
		},
		processorDeps: grades.ProcessorDeps{
			Enroll:    enrollSvc,
			Scores:    gradesSvc,
			Gradebook: gradebook,
			Analytics: analytics,
		},
	}

	// =========================================================================
	// Consume the Queue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		errs <- queue.Consume(ctx, conf.Queue.Workers, w.handleOperation)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// =========================================================================
	// Shutdown

	select {
	case err = <-errs:
		if err != nil && err != context.Canceled {
			logger.Fatal(fmt.Sprintf("queue error: %v", err), err)
		}

	case sig := <-shutdown:
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		cancel()

		// give in-flight commits a deadline for completion
		select {
		case <-errs:
		case <-time.After(conf.Server.ShutdownTimeout):
			logger.Error("could not stop workers gracefully", errors.New("drain timed out"))
		}
	}
}

// handleOperation reopens a deferred operation and commits it in place.
// Unknown IDs are dropped rather than redelivered forever.
func (w *worker) handleOperation(ctx context.Context, opID string) error {
	runner, err := csvtask.Load(ctx, w.runnerDeps, opID, grades.NewBuildFunc(w.processorDeps))
	if err != nil {
		if errors.Cause(err) == csvtask.ErrOperationNotFound {
			w.logger.Warn(fmt.Sprintf("dropping unknown operation %q", opID))
			return nil
		}
		w.logger.Error(fmt.Sprintf("loading operation %q: %v", opID, err), err)
		return err
	}
	op := runner.Operation()
	if op.Committed {
		w.logger.Info(fmt.Sprintf("operation %q already committed", op.ID))
		return nil
	}

	w.logger.Info(fmt.Sprintf("committing %s operation %q (%s)", op.Kind, op.ID, op.UniqueID))
	if err = runner.Commit(ctx, true); err != nil {
		w.logger.Error(fmt.Sprintf("committing operation %q: %v", opID, err), err)
		return err
	}
	w.report(ctx, runner)
	return nil
}

// reportData feeds the operation-report email templates.
type reportData struct {
	Username string
	Kind     string
	UniqueID string
	Filename string
	Saved    int
	Total    int
	Errors   int
}

// report emails the operator a summary of the finished commit, attaching the
// row results when some rows failed.
func (w *worker) report(ctx context.Context, runner *csvtask.Runner) {
	op := runner.Operation()
	usr, err := w.users.GetByID(ctx, op.UserID)
	if err != nil {
		w.logger.Warn(fmt.Sprintf("operator %q not found; skipping report email", op.UserID))
		return
	}

	status := runner.Status()
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      fmt.Sprintf("%s import finished: %s", op.Kind, op.UniqueID),
		TemplateName: "operation-report",
		TemplateData: reportData{
			Username: usr.Username,
			Kind:     op.Kind,
			UniqueID: op.UniqueID,
			Filename: op.OriginalFilename,
			Saved:    status.Saved,
			Total:    status.Total,
			Errors:   len(status.ErrorRows),
		},
	}
	if len(status.ErrorRows) > 0 {
		var results bytes.Buffer
		if err = runner.ExportResults(ctx, &results); err != nil {
			w.logger.Error(fmt.Sprintf("exporting results of %q: %v", op.ID, err), err)
		} else if err = msg.Attach(&results, "results.csv", "text/csv"); err != nil {
			w.logger.Error(fmt.Sprintf("attaching results of %q: %v", op.ID, err), err)
		}
	}
	w.mail.SendMessages(msg)
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
