package echoapi

import (
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/alama/core"
)

// pathParams are the course and block identifiers common to all routes.
// Platform IDs are opaque but never contain whitespace.
type pathParams struct {
	CourseID string `json:"course_id" validate:"required,opaqueid"`
	BlockID  string `json:"block_id" validate:"omitempty,opaqueid"`
}

func bindPathParams(ctx echo.Context, validate *validator.Validate) (pathParams, error) {
	params := pathParams{
		CourseID: ctx.Param("course_id"),
		BlockID:  ctx.Param("block_id"),
	}
	if err := validate.Struct(&params); err != nil {
		return pathParams{}, err
	}
	return params, nil
}

// gradeExportQuery narrows a grade export or upload to a slice of the roster.
// Grade bounds left at zero are not applied.
type gradeExportQuery struct {
	Track               string
	Cohort              string
	Assignment          string
	AssignmentType      string
	AssignmentGradeMin  float64
	AssignmentGradeMax  float64
	CourseGradeMin      float64
	CourseGradeMax      float64
	ActiveOnly          bool
	ExcludedCourseRoles []string
	ErrorID             string
}

func (q *gradeExportQuery) Bind(ctx echo.Context) error {
	data := ctx.QueryParams()
	q.Track = data.Get("track")
	q.Cohort = data.Get("cohort")
	q.Assignment = data.Get("assignment")
	q.AssignmentType = data.Get("assignment_type")
	q.ExcludedCourseRoles = data["excluded_course_roles"]
	q.ErrorID = data.Get("error_id")

	var err error
	if q.AssignmentGradeMin, err = floatParam(data, "assignment_grade_min"); err != nil {
		return err
	}
	if q.AssignmentGradeMax, err = floatParam(data, "assignment_grade_max"); err != nil {
		return err
	}
	if q.CourseGradeMin, err = floatParam(data, "course_grade_min"); err != nil {
		return err
	}
	if q.CourseGradeMax, err = floatParam(data, "course_grade_max"); err != nil {
		return err
	}
	// inactive learners stay hidden unless asked for
	if q.ActiveOnly, err = boolParam(data, "active_only", true); err != nil {
		return err
	}
	return nil
}

type scoreExportQuery struct {
	Track       string
	Cohort      string
	MaxPoints   float64
	DisplayName string
	ErrorID     string
}

func (q *scoreExportQuery) Bind(ctx echo.Context) error {
	data := ctx.QueryParams()
	q.Track = data.Get("track")
	q.Cohort = data.Get("cohort")
	q.DisplayName = data.Get("display_name")
	q.ErrorID = data.Get("error_id")

	var err error
	if q.MaxPoints, err = floatParam(data, "max_points"); err != nil {
		return err
	}
	return nil
}

type interventionQuery struct {
	Cohort             string
	Assignment         string
	AssignmentType     string
	AssignmentGradeMin float64
	AssignmentGradeMax float64
	CourseGradeMin     float64
	CourseGradeMax     float64
}

func (q *interventionQuery) Bind(ctx echo.Context) error {
	data := ctx.QueryParams()
	q.Cohort = data.Get("cohort")
	q.Assignment = data.Get("assignment")
	q.AssignmentType = data.Get("assignment_type")

	var err error
	if q.AssignmentGradeMin, err = floatParam(data, "assignment_grade_min"); err != nil {
		return err
	}
	if q.AssignmentGradeMax, err = floatParam(data, "assignment_grade_max"); err != nil {
		return err
	}
	if q.CourseGradeMin, err = floatParam(data, "course_grade_min"); err != nil {
		return err
	}
	if q.CourseGradeMax, err = floatParam(data, "course_grade_max"); err != nil {
		return err
	}
	return nil
}

func floatParam(data url.Values, name string) (float64, error) {
	raw := data.Get(name)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, core.NewValidationError(nil, core.FieldError{Field: name, Error: "a valid number is required"})
	}
	return val, nil
}

func boolParam(data url.Values, name string, dflt bool) (bool, error) {
	raw := data.Get(name)
	if raw == "" {
		return dflt, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return dflt, core.NewValidationError(nil, core.FieldError{Field: name, Error: "a valid boolean is required"})
	}
	return val, nil
}
