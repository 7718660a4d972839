package echoapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/grades"
)

type gradesApi struct {
	deps ServerDeps
}

func registerGradesAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := gradesApi{deps: deps}

	cg := g.Group("/courses/:course_id", jwt, staffMiddleware())
	cg.GET("/grades", api.exportGrades)
	cg.POST("/grades", api.importGrades)
	cg.GET("/grades/history", api.gradeHistory)
	cg.GET("/intervention", api.exportIntervention)

	bg := cg.Group("/blocks/:block_id")
	bg.GET("/scores", api.exportScores)
	bg.POST("/scores", api.importScores)
	bg.GET("/scores/history", api.scoreHistory)
}

// exportGrades streams the subsection grade sheet for the course roster,
// or the saved results of a previous upload when error_id is given.
func (api gradesApi) exportGrades(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	var query gradeExportQuery
	if err := query.Bind(ctx); err != nil {
		return err
	}
	if query.ErrorID != "" {
		return api.exportErrors(ctx, query.ErrorID, params.CourseID, params.CourseID)
	}

	proc, err := api.gradeProcessor(ctx, params.CourseID, query)
	if err != nil {
		return err
	}
	return api.streamExport(ctx, csvtask.NewRunner(proc, api.runnerDeps()), params.CourseID, "")
}

// importGrades stages and commits a grade sheet upload. When the form carries
// result_id instead of a file, it reports on a previously deferred commit.
func (api gradesApi) importGrades(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	if resultID := ctx.FormValue("result_id"); resultID != "" {
		return api.pollResult(ctx, resultID)
	}

	var query gradeExportQuery
	if err := query.Bind(ctx); err != nil {
		return err
	}
	proc, err := api.gradeProcessor(ctx, params.CourseID, query)
	if err != nil {
		return err
	}
	return api.processUpload(ctx, csvtask.NewRunner(proc, api.runnerDeps()))
}

func (api gradesApi) gradeHistory(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	logs, err := api.deps.Ops.CommittedOperations(ctx.Request().Context(), grades.KindGrade, params.CourseID)
	if err != nil {
		return errors.Wrap(err, "querying grade history")
	}
	return ctx.JSON(http.StatusOK, logs)
}

// exportIntervention streams the engagement and grade report for
// masters-track learners.
func (api gradesApi) exportIntervention(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	var query interventionQuery
	if err := query.Bind(ctx); err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	cfg := grades.InterventionConfig{
		CourseID:           params.CourseID,
		Cohort:             query.Cohort,
		Subsection:         query.Assignment,
		AssignmentType:     query.AssignmentType,
		SubsectionGradeMin: query.AssignmentGradeMin,
		SubsectionGradeMax: query.AssignmentGradeMax,
		CourseGradeMin:     query.CourseGradeMin,
		CourseGradeMax:     query.CourseGradeMax,
		UserID:             claims.Subject,
	}
	proc, err := grades.NewInterventionProcessor(ctx.Request().Context(), api.processorDeps(), cfg)
	if err != nil {
		return errors.Wrap(err, "building intervention processor")
	}
	return api.streamExport(ctx, csvtask.NewRunner(proc, api.runnerDeps()), params.CourseID, "intervention")
}

// exportScores streams the score sheet for one block, or the saved results
// of a previous upload when error_id is given.
func (api gradesApi) exportScores(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	var query scoreExportQuery
	if err := query.Bind(ctx); err != nil {
		return err
	}
	if query.ErrorID != "" {
		return api.exportErrors(ctx, query.ErrorID, params.BlockID, params.CourseID)
	}

	proc, err := api.scoreProcessor(ctx, params, query)
	if err != nil {
		return err
	}
	return api.streamExport(ctx, csvtask.NewRunner(proc, api.runnerDeps()), params.CourseID, "")
}

func (api gradesApi) importScores(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	if resultID := ctx.FormValue("result_id"); resultID != "" {
		return api.pollResult(ctx, resultID)
	}

	var query scoreExportQuery
	if err := query.Bind(ctx); err != nil {
		return err
	}
	proc, err := api.scoreProcessor(ctx, params, query)
	if err != nil {
		return err
	}
	return api.processUpload(ctx, csvtask.NewRunner(proc, api.runnerDeps()))
}

func (api gradesApi) scoreHistory(ctx echo.Context) error {
	params, err := bindPathParams(ctx, api.deps.Validate)
	if err != nil {
		return err
	}
	logs, err := api.deps.Ops.CommittedOperations(ctx.Request().Context(), grades.KindScore, params.BlockID)
	if err != nil {
		return errors.Wrap(err, "querying score history")
	}
	return ctx.JSON(http.StatusOK, logs)
}

// ------------------------------------------------------------------------

func (api gradesApi) gradeProcessor(ctx echo.Context, courseID string, query gradeExportQuery) (csvtask.Processor, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting context claims")
	}
	cfg := grades.GradeConfig{
		CourseID:            courseID,
		Subsection:          query.Assignment,
		AssignmentType:      query.AssignmentType,
		SubsectionGradeMin:  query.AssignmentGradeMin,
		SubsectionGradeMax:  query.AssignmentGradeMax,
		CourseGradeMin:      query.CourseGradeMin,
		CourseGradeMax:      query.CourseGradeMax,
		Track:               query.Track,
		Cohort:              query.Cohort,
		ActiveOnly:          query.ActiveOnly,
		ExcludedCourseRoles: query.ExcludedCourseRoles,
		UserID:              claims.Subject,
	}
	proc, err := grades.NewGradeProcessor(ctx.Request().Context(), api.processorDeps(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building grade processor")
	}
	return proc, nil
}

func (api gradesApi) scoreProcessor(ctx echo.Context, params pathParams, query scoreExportQuery) (csvtask.Processor, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting context claims")
	}
	cfg := grades.ScoreConfig{
		CourseID:    params.CourseID,
		BlockID:     params.BlockID,
		MaxPoints:   query.MaxPoints,
		DisplayName: query.DisplayName,
		Track:       query.Track,
		Cohort:      query.Cohort,
		UserID:      claims.Subject,
	}
	return grades.NewScoreProcessor(api.processorDeps(), cfg), nil
}

func (api gradesApi) processorDeps() grades.ProcessorDeps {
	return grades.ProcessorDeps{
		Enroll:    api.deps.EnrollSvc,
		Scores:    api.deps.GradesSvc,
		Gradebook: api.deps.Gradebook,
		Analytics: api.deps.Analytics,
	}
}

func (api gradesApi) runnerDeps() csvtask.Deps {
	return csvtask.Deps{
		Ops:    api.deps.Ops,
		Files:  api.deps.Files,
		Queue:  api.deps.Queue,
		Logger: api.deps.Logger,
		Conf:   api.deps.Conf,
	}
}

// streamExport writes a CSV attachment straight to the response.
func (api gradesApi) streamExport(ctx echo.Context, runner *csvtask.Runner, name, suffix string) error {
	ctx.Response().Header().Set(echo.HeaderContentType, "text/csv")
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exportFilename(name, suffix)))
	ctx.Response().WriteHeader(http.StatusOK)
	return runner.Export(ctx.Request().Context(), ctx.Response())
}

// exportErrors re-exports the saved results of a previous upload. The saved
// operation must belong to the course or block being queried.
func (api gradesApi) exportErrors(ctx echo.Context, opID, wantUniqueID, filename string) error {
	runner, err := api.loadRunner(ctx, opID)
	if err != nil {
		return err
	}
	if runner.Operation().UniqueID != wantUniqueID {
		return errHttpForbidden
	}
	ctx.Response().Header().Set(echo.HeaderContentType, "text/csv")
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exportFilename(filename, "graded-results")))
	ctx.Response().WriteHeader(http.StatusOK)
	return runner.ExportResults(ctx.Request().Context(), ctx.Response())
}

func (api gradesApi) processUpload(ctx echo.Context, runner *csvtask.Runner) error {
	fh, err := ctx.FormFile("csv")
	if err != nil {
		return errCSVRequired
	}
	file, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening upload")
	}
	defer file.Close()

	status, err := runner.ProcessUpload(ctx.Request().Context(), fh.Filename, file, true)
	if err != nil {
		return errors.Wrap(err, "processing upload")
	}
	return ctx.JSON(http.StatusOK, status)
}

// pollResult reports on a deferred commit: the saved status once the worker
// has finished, a waiting placeholder until then.
func (api gradesApi) pollResult(ctx echo.Context, resultID string) error {
	runner, err := api.loadRunner(ctx, resultID)
	if err != nil {
		return err
	}
	if !runner.Operation().Committed {
		return ctx.JSON(http.StatusOK, echo.Map{"result_id": resultID, "waiting": true})
	}
	return ctx.JSON(http.StatusOK, runner.Status())
}

func (api gradesApi) loadRunner(ctx echo.Context, opID string) (*csvtask.Runner, error) {
	runner, err := csvtask.Load(ctx.Request().Context(), api.runnerDeps(), opID, grades.NewBuildFunc(api.processorDeps()))
	if err != nil {
		if errors.Cause(err) == csvtask.ErrOperationNotFound {
			return nil, errHttpNotFound
		}
		return nil, errors.Wrap(err, "loading operation")
	}
	return runner, nil
}

func exportFilename(name, suffix string) string {
	parts := []string{name}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	parts = append(parts, time.Now().UTC().Format("2006-01-02T15:04:05"))
	return strings.Join(parts, "-") + ".csv"
}
