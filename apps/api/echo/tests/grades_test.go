package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
	"github.com/trezcool/alama/core/grades"
	"github.com/trezcool/alama/core/user"
	testutil "github.com/trezcool/alama/tests"
)

func decodeStatus(t *testing.T, data []byte) csvtask.Status {
	t.Helper()
	var status csvtask.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("json.Unmarshal() failed! err %v", err)
	}
	return status
}

func checkHeader(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("failed! header = %v; want %v", got, want)
	}
}

func checkCells(t *testing.T, row, want map[string]string) {
	t.Helper()
	for col, cell := range want {
		if got := row[col]; got != cell {
			t.Errorf("failed! %s = %q; want %q", col, got, cell)
		}
	}
}

func cloneRows(rows []map[string]string) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		cp := make(map[string]string, len(row))
		for col, cell := range row {
			cp[col] = cell
		}
		out[i] = cp
	}
	return out
}

func Test_gradesApi_scoreSheet(t *testing.T) {
	courseID := "course-v1:alama+CS101+2026"
	blockID := "block-v1:alama+CS101+2026+type@problem+block@4f3e9a12c7d8"
	basePath := "/v1/courses/" + courseID + "/blocks/" + blockID + "/scores"

	staff := testutil.CreateUser(t, db, "Imani Mwalimu", "imani", "imani@test.cd", []string{user.RoleTeacher}, true)
	aisha := testutil.CreateUser(t, db, "Aisha Kanza", "aisha", "aisha@test.cd", []string{user.RoleStudent}, true)
	baraka := testutil.CreateUser(t, db, "Baraka Osei", "baraka", "baraka@test.cd", []string{user.RoleStudent}, true)
	zuri := testutil.CreateUser(t, db, "Zuri Abebe", "zuri", "zuri@test.cd", []string{user.RoleStudent}, false)
	testutil.EnrollUser(t, db, aisha, courseID, enroll.TrackVerified, "alpha", true)
	testutil.EnrollUser(t, db, baraka, courseID, enroll.TrackMasters, "", true, "STU-0042")
	testutil.EnrollUser(t, db, zuri, courseID, enroll.TrackAudit, "", false)

	staffToken := getToken(t, staff)

	tests := []httpTest{
		{name: "Auth required", path: basePath, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", path: basePath, token: getToken(t, aisha), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "max_points must be a number", path: basePath + "?max_points=lol", token: staffToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"max_points": "a valid number is required"}),
		},
		{name: "No history yet", path: basePath + "/history", token: staffToken, wantData: []byte("[]")},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("Sheet lists the whole roster", func(t *testing.T) {
		query := url.Values{"display_name": {"Quiz 1"}}
		req, rec := newAuthRequest(http.MethodGet, basePath+"?"+query.Encode(), staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
			t.Errorf("failed! Content-Type = %q; want %q", ct, "text/csv")
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, `attachment; filename="`+courseID+`-`) {
			t.Errorf("failed! Content-Disposition = %q", cd)
		}

		header, rows := decodeCSV(t, rec.Body.Bytes())
		checkHeader(t, header, []string{
			"user_id", "username", "full_name", "student_uid", "enrolled", "track",
			"cohort", "block_id", "title", "date_last_graded", "who_last_graded",
			"Previous Points", "New Points", "csum",
		})
		if len(rows) != 3 {
			t.Fatalf("failed! %d rows; want 3", len(rows))
		}
		checkCells(t, rows[0], map[string]string{
			"user_id": aisha.ID, "username": "aisha", "full_name": "Aisha Kanza", "student_uid": "",
			"enrolled": "true", "track": enroll.TrackVerified, "cohort": "alpha",
			"block_id": blockID, "title": "Quiz 1", "date_last_graded": "", "who_last_graded": "",
			"Previous Points": "", "New Points": "",
		})
		checkCells(t, rows[1], map[string]string{"username": "baraka", "student_uid": "STU-0042", "track": enroll.TrackMasters})
		checkCells(t, rows[2], map[string]string{"username": "zuri", "enrolled": "false", "track": enroll.TrackAudit})
		for i, row := range rows {
			if row["csum"] == "" {
				t.Errorf("failed! row %d has no checksum", i+1)
			}
		}
	})

	t.Run("Track filter narrows the roster", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath+"?track="+enroll.TrackMasters, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		_, rows := decodeCSV(t, rec.Body.Bytes())
		if len(rows) != 1 || rows[0]["username"] != "baraka" {
			t.Errorf("failed! rows = %v; want baraka only", rows)
		}
	})
}

func Test_gradesApi_scoreSheetUpload(t *testing.T) {
	courseID := "course-v1:alama+GEO202+2026"
	blockID := "block-v1:alama+GEO202+2026+type@problem+block@9b8c7d6e5f40"
	basePath := "/v1/courses/" + courseID + "/blocks/" + blockID + "/scores"

	staff := testutil.CreateUser(t, db, "Neema Mwalimu", "neema", "neema@test.cd", []string{user.RoleTeacher}, true)
	asha := testutil.CreateUser(t, db, "Asha Juma", "asha", "asha@test.cd", []string{user.RoleStudent}, true)
	bakari := testutil.CreateUser(t, db, "Bakari Juma", "bakari", "bakari@test.cd", []string{user.RoleStudent}, true)
	testutil.EnrollUser(t, db, asha, courseID, enroll.TrackVerified, "", true)
	testutil.EnrollUser(t, db, bakari, courseID, enroll.TrackVerified, "", true)

	staffToken := getToken(t, staff)

	fetchSheet := func(t *testing.T) ([]string, []map[string]string) {
		t.Helper()
		req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		return decodeCSV(t, rec.Body.Bytes())
	}

	// fill in one score and push the sheet back
	header, rows := fetchSheet(t)
	if len(rows) != 2 {
		t.Fatalf("failed! %d rows; want 2", len(rows))
	}
	rows[0]["New Points"] = "0.75" // asha

	req, rec := newUploadRequest(t, basePath, staffToken, "scores.csv", encodeCSV(t, header, rows))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusOK,
		wantData: marchallObj(t, csvtask.Status{
			Saved: 1, Total: 2, Processed: 2,
			ErrorMessages: []string{}, ErrorRows: []int{}, Percentage: "100.0%",
		}),
	}, rec)

	recalcs := 0
	for _, id := range gradebook.Recalculated {
		if id == courseID {
			recalcs++
		}
	}
	if recalcs != 1 {
		t.Errorf("failed! %d grade recalculations; want 1", recalcs)
	}

	// the new score shows up in the next sheet
	_, rows = fetchSheet(t)
	checkCells(t, rows[0], map[string]string{"username": "asha", "Previous Points": "0.75", "who_last_graded": "neema"})
	if rows[0]["date_last_graded"] == "" {
		t.Error("failed! date_last_graded not set")
	}
	checkCells(t, rows[1], map[string]string{"username": "bakari", "Previous Points": "", "who_last_graded": ""})

	// a second pass grades everyone
	header, rows = fetchSheet(t)
	rows[0]["New Points"] = "1"
	rows[1]["New Points"] = "0.5"

	req, rec = newUploadRequest(t, basePath, staffToken, "scores.csv", encodeCSV(t, header, rows))
	app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusOK,
		wantData: marchallObj(t, csvtask.Status{
			Saved: 2, Total: 2, Processed: 2,
			ErrorMessages: []string{}, ErrorRows: []int{}, Percentage: "100.0%",
		}),
	}, rec)

	t.Run("History lists both commits", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath+"/history", staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		var logs []csvtask.OperationLog
		if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
			t.Fatalf("json.Unmarshal() failed! err %v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("failed! %d entries; want 2", len(logs))
		}
		for i, log := range logs {
			if log.ID == "" || log.User != "neema" || log.Operation != "commit" || log.OriginalFilename != "scores.csv" {
				t.Errorf("failed! entry %d = %+v", i, log)
			}
		}
		if want := (csvtask.OperationCounts{Saved: 1, Total: 2, Processed: 2}); logs[0].Data != want {
			t.Errorf("failed! first entry counts = %+v; want %+v", logs[0].Data, want)
		}
		if want := (csvtask.OperationCounts{Saved: 2, Total: 2, Processed: 2}); logs[1].Data != want {
			t.Errorf("failed! second entry counts = %+v; want %+v", logs[1].Data, want)
		}
		if logs[1].Timestamp.Before(logs[0].Timestamp) {
			t.Error("failed! entries out of order")
		}
	})
}

func Test_gradesApi_scoreSheetUploadErrors(t *testing.T) {
	courseID := "course-v1:alama+HIS303+2026"
	blockID := "block-v1:alama+HIS303+2026+type@problem+block@1a2b3c4d5e6f"
	otherBlockID := "block-v1:alama+HIS303+2026+type@problem+block@f6e5d4c3b2a1"
	basePath := "/v1/courses/" + courseID + "/blocks/" + blockID + "/scores"
	otherPath := "/v1/courses/" + courseID + "/blocks/" + otherBlockID + "/scores"

	staff := testutil.CreateUser(t, db, "Juma Mwalimu", "juma", "juma@test.cd", []string{user.RoleTeacher}, true)
	chidi := testutil.CreateUser(t, db, "Chidi Eze", "chidi", "chidi@test.cd", []string{user.RoleStudent}, true)
	testutil.EnrollUser(t, db, chidi, courseID, enroll.TrackVerified, "", true)

	staffToken := getToken(t, staff)

	req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
	}
	header, rows := decodeCSV(t, rec.Body.Bytes())
	if len(rows) != 1 {
		t.Fatalf("failed! %d rows; want 1", len(rows))
	}

	upload := func(t *testing.T, path string, rows []map[string]string) csvtask.Status {
		t.Helper()
		req, rec := newUploadRequest(t, path, staffToken, "scores.csv", encodeCSV(t, header, rows))
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		return decodeStatus(t, rec.Body.Bytes())
	}

	var savedErrorID string

	t.Run("Tampered checksum rejects the row", func(t *testing.T) {
		tampered := cloneRows(rows)
		tampered[0]["New Points"] = "0.5"
		tampered[0]["csum"] = ""

		status := upload(t, basePath, tampered)
		if status.Saved != 0 || !reflect.DeepEqual(status.ErrorMessages, []string{"checksum mismatch"}) || !reflect.DeepEqual(status.ErrorRows, []int{1}) {
			t.Errorf("failed! status = %+v", status)
		}
		if status.CanCommit {
			t.Error("failed! tampered upload must not be committable")
		}
		if !status.SavedErrorID.Valid {
			t.Fatal("failed! no saved error id")
		}
		savedErrorID = status.SavedErrorID.String
	})

	t.Run("Points above the maximum reject the row", func(t *testing.T) {
		tampered := cloneRows(rows)
		tampered[0]["New Points"] = "2"

		status := upload(t, basePath, tampered)
		if !reflect.DeepEqual(status.ErrorMessages, []string{"Points must not be greater than 1."}) || !reflect.DeepEqual(status.ErrorRows, []int{1}) {
			t.Errorf("failed! status = %+v", status)
		}
	})

	t.Run("Sheet of another block rejects the rows", func(t *testing.T) {
		status := upload(t, otherPath, cloneRows(rows))
		want := []string{"The CSV does not match this problem. Check that you uploaded the right CSV."}
		if !reflect.DeepEqual(status.ErrorMessages, want) || !reflect.DeepEqual(status.ErrorRows, []int{1}) {
			t.Errorf("failed! status = %+v", status)
		}
	})

	t.Run("Saved results download", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath+"?error_id="+savedErrorID, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "-graded-results-") {
			t.Errorf("failed! Content-Disposition = %q", cd)
		}

		resultsHeader, results := decodeCSV(t, rec.Body.Bytes())
		checkHeader(t, resultsHeader, append(append([]string{}, header...), "status", "error"))
		if len(results) != 1 {
			t.Fatalf("failed! %d rows; want 1", len(results))
		}
		checkCells(t, results[0], map[string]string{
			"user_id": chidi.ID, "status": csvtask.StatusError, "error": "checksum mismatch", "csum": "",
		})
	})

	t.Run("Saved results of another block are off limits", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		}
		req, rec := newAuthRequest(http.MethodGet, otherPath+"?error_id="+savedErrorID, staffToken)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("Unknown error_id", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "not found"}),
		}
		req, rec := newAuthRequest(http.MethodGet, basePath+"?error_id=lol", staffToken)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("Unknown result_id", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "not found"}),
		}
		req, rec := newPollRequest(basePath, staffToken, "lol")
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	t.Run("CSV file required", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "a csv file is required"}),
		}
		req, rec := newAuthRequest(http.MethodPost, basePath, staffToken)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})
}

func Test_gradesApi_gradeSheet(t *testing.T) {
	courseID := "course-v1:alama+GR201+2026"
	basePath := "/v1/courses/" + courseID + "/grades"

	hw := grades.Subsection{
		BlockID:        "block-v1:alama+GR201+2026+type@sequential+block@aaaa1111bbbb",
		DisplayName:    "Homework 1",
		AssignmentType: "Homework",
	}
	exam := grades.Subsection{
		BlockID:        "block-v1:alama+GR201+2026+type@sequential+block@cccc2222dddd",
		DisplayName:    "Final Exam",
		AssignmentType: "Exam",
	}
	gradebook.SetSubsections(courseID, hw, exam)

	staff := testutil.CreateUser(t, db, "Sifa Mwalimu", "sifa", "sifa@test.cd", []string{user.RoleTeacher}, true)
	amani := testutil.CreateUser(t, db, "Amani Otieno", "amani", "amani@test.cd", []string{user.RoleStudent}, true)
	dalia := testutil.CreateUser(t, db, "Dalia Fofana", "dalia", "dalia@test.cd", []string{user.RoleStudent}, true)
	idris := testutil.CreateUser(t, db, "Idris Kamau", "idris", "idris@test.cd", []string{user.RoleStudent}, true)
	tendai := testutil.CreateUser(t, db, "Tendai Moyo", "tendai", "tendai@test.cd", []string{user.RoleStudent}, true)
	testutil.EnrollUser(t, db, amani, courseID, enroll.TrackVerified, "alpha", true)
	testutil.EnrollUser(t, db, dalia, courseID, enroll.TrackMasters, "", true, "STU-0081")
	testutil.EnrollUser(t, db, idris, courseID, enroll.TrackVerified, "", false)
	testutil.EnrollUser(t, db, tendai, courseID, enroll.TrackVerified, "", true)
	testutil.GrantCourseRole(t, db, tendai, courseID, "beta_tester")

	gradebook.SetGrade(courseID, amani.ID, grades.SubsectionGrade{BlockID: hw.BlockID, EarnedGraded: 7, PossibleGraded: 10})
	gradebook.SetGrade(courseID, amani.ID, grades.SubsectionGrade{
		BlockID: exam.BlockID, EarnedGraded: 40, PossibleGraded: 60,
		Override: &grades.GradeOverride{EarnedGradedOverride: 55, PossibleGradedOverride: 60},
	})

	staffToken := getToken(t, staff)

	fetchRows := func(t *testing.T, query string) []map[string]string {
		t.Helper()
		req, rec := newAuthRequest(http.MethodGet, basePath+query, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		_, rows := decodeCSV(t, rec.Body.Bytes())
		return rows
	}
	usernames := func(rows []map[string]string) []string {
		names := make([]string, len(rows))
		for i, row := range rows {
			names[i] = row["username"]
		}
		return names
	}

	tests := []httpTest{
		{name: "Auth required", path: basePath, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", path: basePath, token: getToken(t, amani), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "course_grade_min must be a number", path: basePath + "?course_grade_min=lol", token: staffToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"course_grade_min": "a valid number is required"}),
		},
		{
			name: "active_only must be a boolean", path: basePath + "?active_only=lol", token: staffToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"active_only": "a valid boolean is required"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("Sheet carries a column group per subsection", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}

		header, rows := decodeCSV(t, rec.Body.Bytes())
		checkHeader(t, header, []string{
			"user_id", "username", "student_key", "course_id", "track", "cohort",
			"name-aaaa1111", "grade-aaaa1111", "original_grade-aaaa1111", "previous_override-aaaa1111", "new_override-aaaa1111",
			"name-cccc2222", "grade-cccc2222", "original_grade-cccc2222", "previous_override-cccc2222", "new_override-cccc2222",
		})
		// inactive learners stay out by default
		if want := []string{"amani", "dalia", "tendai"}; !reflect.DeepEqual(usernames(rows), want) {
			t.Fatalf("failed! rows = %v; want %v", usernames(rows), want)
		}
		checkCells(t, rows[0], map[string]string{
			"user_id": amani.ID, "student_key": "", "course_id": courseID,
			"track": enroll.TrackVerified, "cohort": "alpha",
			"name-aaaa1111": "Homework 1", "grade-aaaa1111": "7", "original_grade-aaaa1111": "7",
			"previous_override-aaaa1111": "", "new_override-aaaa1111": "",
			"name-cccc2222": "Final Exam", "grade-cccc2222": "55", "original_grade-cccc2222": "40",
			"previous_override-cccc2222": "55",
		})
		checkCells(t, rows[1], map[string]string{
			"student_key": "STU-0081", "track": enroll.TrackMasters,
			"name-aaaa1111": "Homework 1", "grade-aaaa1111": "", "original_grade-aaaa1111": "",
		})
	})

	t.Run("Roster filters", func(t *testing.T) {
		if got := usernames(fetchRows(t, "?active_only=false")); !reflect.DeepEqual(got, []string{"amani", "dalia", "idris", "tendai"}) {
			t.Errorf("failed! active_only=false rows = %v", got)
		}
		if got := usernames(fetchRows(t, "?excluded_course_roles=all")); !reflect.DeepEqual(got, []string{"amani", "dalia"}) {
			t.Errorf("failed! excluded_course_roles=all rows = %v", got)
		}
		if got := usernames(fetchRows(t, "?track="+enroll.TrackMasters)); !reflect.DeepEqual(got, []string{"dalia"}) {
			t.Errorf("failed! track=masters rows = %v", got)
		}
		if got := usernames(fetchRows(t, "?cohort=alpha")); !reflect.DeepEqual(got, []string{"amani"}) {
			t.Errorf("failed! cohort=alpha rows = %v", got)
		}
	})
}

func Test_gradesApi_gradeSheetUpload(t *testing.T) {
	courseID := "course-v1:alama+LIT210+2026"
	basePath := "/v1/courses/" + courseID + "/grades"

	essay := grades.Subsection{
		BlockID:        "block-v1:alama+LIT210+2026+type@sequential+block@beef4242cafe",
		DisplayName:    "Essay",
		AssignmentType: "Homework",
	}
	gradebook.SetSubsections(courseID, essay)

	staff := testutil.CreateUser(t, db, "Sauda Mwalimu", "sauda", "sauda@test.cd", []string{user.RoleTeacher}, true)
	eshe := testutil.CreateUser(t, db, "Eshe Mensah", "eshe", "eshe@test.cd", []string{user.RoleStudent}, true)
	femi := testutil.CreateUser(t, db, "Femi Adeyemi", "femi", "femi@test.cd", []string{user.RoleStudent}, true)
	testutil.EnrollUser(t, db, eshe, courseID, enroll.TrackVerified, "", true)
	testutil.EnrollUser(t, db, femi, courseID, enroll.TrackVerified, "", true)

	gradebook.SetGrade(courseID, eshe.ID, grades.SubsectionGrade{BlockID: essay.BlockID, EarnedGraded: 6, PossibleGraded: 10})

	staffToken := getToken(t, staff)

	req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
	}
	header, rows := decodeCSV(t, rec.Body.Bytes())
	if len(rows) != 2 {
		t.Fatalf("failed! %d rows; want 2", len(rows))
	}
	rows[0]["new_override-beef4242"] = "9" // eshe

	before := len(gradebook.Overrides)
	req, rec = newUploadRequest(t, basePath, staffToken, "grades.csv", encodeCSV(t, header, rows))
	app.ServeHTTP(rec, req)
	// rows without a new override still count as saved
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusOK,
		wantData: marchallObj(t, csvtask.Status{
			Saved: 2, Total: 2, Processed: 2,
			ErrorMessages: []string{}, ErrorRows: []int{}, Percentage: "100.0%",
		}),
	}, rec)

	overrides := gradebook.Overrides[before:]
	if len(overrides) != 1 {
		t.Fatalf("failed! %d overrides; want 1", len(overrides))
	}
	want := grades.OverrideRequest{
		UserID:       eshe.ID,
		CourseID:     courseID,
		BlockID:      essay.BlockID,
		OverriderID:  staff.ID,
		EarnedGraded: 9,
		Feature:      grades.OverrideFeature,
		Comment:      grades.OverrideComment,
	}
	if overrides[0] != want {
		t.Errorf("failed! override = %+v; want %+v", overrides[0], want)
	}

	t.Run("Override shows up in the next sheet", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		_, rows := decodeCSV(t, rec.Body.Bytes())
		checkCells(t, rows[0], map[string]string{
			"username": "eshe", "grade-beef4242": "9", "original_grade-beef4242": "6", "previous_override-beef4242": "9",
		})
	})

	t.Run("Repeated learner flags both rows", func(t *testing.T) {
		repeated := append(cloneRows(rows), cloneRows(rows[:1])...)
		req, rec := newUploadRequest(t, basePath, staffToken, "grades.csv", encodeCSV(t, header, repeated))
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		status := decodeStatus(t, rec.Body.Bytes())
		if !reflect.DeepEqual(status.ErrorMessages, []string{"Repeated user_id: " + eshe.ID}) {
			t.Errorf("failed! error messages = %v", status.ErrorMessages)
		}
		if !reflect.DeepEqual(status.ErrorRows, []int{1, 3}) {
			t.Errorf("failed! error rows = %v", status.ErrorRows)
		}
		if status.CanCommit || status.Saved != 0 {
			t.Errorf("failed! status = %+v", status)
		}
	})

	t.Run("History lists the commit", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath+"/history", staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		var logs []csvtask.OperationLog
		if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
			t.Fatalf("json.Unmarshal() failed! err %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("failed! %d entries; want 1", len(logs))
		}
		if logs[0].User != "sauda" || logs[0].OriginalFilename != "grades.csv" {
			t.Errorf("failed! entry = %+v", logs[0])
		}
		if want := (csvtask.OperationCounts{Saved: 2, Total: 2, Processed: 2}); logs[0].Data != want {
			t.Errorf("failed! entry counts = %+v; want %+v", logs[0].Data, want)
		}
	})
}

func Test_gradesApi_deferredCommit(t *testing.T) {
	courseID := "course-v1:alama+BIO404+2026"
	basePath := "/v1/courses/" + courseID + "/grades"

	lab := grades.Subsection{
		BlockID:        "block-v1:alama+BIO404+2026+type@sequential+block@eeee3333ffff",
		DisplayName:    "Lab Report",
		AssignmentType: "Lab",
	}
	gradebook.SetSubsections(courseID, lab)

	staff := testutil.CreateUser(t, db, "Zawadi Mwalimu", "zawadi", "zawadi@test.cd", []string{user.RoleTeacher}, true)
	kesi := testutil.CreateUser(t, db, "Kesi Ndlovu", "kesi", "kesi@test.cd", []string{user.RoleStudent}, true)
	lulu := testutil.CreateUser(t, db, "Lulu Wanjiru", "lulu", "lulu@test.cd", []string{user.RoleStudent}, true)
	moyo := testutil.CreateUser(t, db, "Moyo Banda", "moyo", "moyo@test.cd", []string{user.RoleStudent}, true)
	for _, usr := range []user.User{kesi, lulu, moyo} {
		testutil.EnrollUser(t, db, usr, courseID, enroll.TrackVerified, "", true)
	}

	staffToken := getToken(t, staff)

	req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
	}
	header, rows := decodeCSV(t, rec.Body.Bytes())
	if len(rows) != 3 {
		t.Fatalf("failed! %d rows; want 3", len(rows))
	}
	for i, points := range []string{"5", "6", "7"} {
		rows[i]["new_override-eeee3333"] = points
	}

	// three staged rows beat the commit threshold; the commit goes to the queue
	req, rec = newUploadRequest(t, basePath, staffToken, "grades.csv", encodeCSV(t, header, rows))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
	}
	status := decodeStatus(t, rec.Body.Bytes())
	if !status.Waiting || status.Saved != 0 || status.Total != 3 || status.Percentage != "0.0%" {
		t.Fatalf("failed! status = %+v", status)
	}
	if len(status.ErrorMessages) != 0 || status.CanCommit {
		t.Fatalf("failed! status = %+v", status)
	}
	if !status.ResultID.Valid {
		t.Fatal("failed! no result id")
	}
	resultID := status.ResultID.String

	t.Run("Poll while pending", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusOK,
			wantData: marchallObj(t, map[string]interface{}{"result_id": resultID, "waiting": true}),
		}
		req, rec := newPollRequest(basePath, staffToken, resultID)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})

	// run the commit the way the worker does
	before := len(gradebook.Overrides)
	runner, err := csvtask.Load(context.Background(), runnerDeps, resultID, grades.NewBuildFunc(processorDeps))
	if err != nil {
		t.Fatalf("csvtask.Load(): %v", err)
	}
	if err = runner.Commit(context.Background(), true); err != nil {
		t.Fatalf("Commit(): %v", err)
	}
	if got := len(gradebook.Overrides) - before; got != 3 {
		t.Errorf("failed! %d overrides; want 3", got)
	}

	t.Run("Poll once committed", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusOK,
			wantData: marchallObj(t, csvtask.Status{
				Saved: 3, Total: 3, Processed: 3,
				ErrorMessages: []string{}, ErrorRows: []int{}, Percentage: "100.0%",
			}),
		}
		req, rec := newPollRequest(basePath, staffToken, resultID)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, tt, rec)
	})
}

func Test_gradesApi_interventionSheet(t *testing.T) {
	courseID := "course-v1:alama+MBA505+2026"
	basePath := "/v1/courses/" + courseID + "/intervention"

	cases := grades.Subsection{
		BlockID:        "block-v1:alama+MBA505+2026+type@sequential+block@abcd9876efab",
		DisplayName:    "Case Studies",
		AssignmentType: "Homework",
	}
	gradebook.SetSubsections(courseID, cases)

	staff := testutil.CreateUser(t, db, "Dunia Mwalimu", "dunia", "dunia@test.cd", []string{user.RoleTeacher}, true)
	pendo := testutil.CreateUser(t, db, "Pendo Hassan", "pendo", "pendo@test.cd", []string{user.RoleStudent}, true)
	rafiki := testutil.CreateUser(t, db, "Rafiki Obi", "rafiki", "rafiki@test.cd", []string{user.RoleStudent}, true)
	tatu := testutil.CreateUser(t, db, "Tatu Diallo", "tatu", "tatu@test.cd", []string{user.RoleStudent}, true)
	testutil.EnrollUser(t, db, pendo, courseID, enroll.TrackMasters, "beta", true, "STU-0099")
	testutil.EnrollUser(t, db, rafiki, courseID, enroll.TrackVerified, "", true)
	testutil.EnrollUser(t, db, tatu, courseID, enroll.TrackMasters, "", true, "STU-0100")

	gradebook.SetGrade(courseID, pendo.ID, grades.SubsectionGrade{BlockID: cases.BlockID, EarnedGraded: 8, PossibleGraded: 10})
	gradebook.SetCourseGrade(courseID, pendo.ID, grades.CourseGrade{Percent: 0.85, LetterGrade: null.StringFrom("B"), Passed: true})
	analytics.SetEngagement(courseID, grades.Engagement{
		Username:       "pendo",
		VideosOverall:  12,
		VideosLastWeek: 3,
		DateLastActive: "2026-08-20",
	})

	staffToken := getToken(t, staff)

	tests := []httpTest{
		{name: "Auth required", path: basePath, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Staff required", path: basePath, token: getToken(t, rafiki), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("Sheet lists program learners only", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath, staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "-intervention-") {
			t.Errorf("failed! Content-Disposition = %q", cd)
		}

		header, rows := decodeCSV(t, rec.Body.Bytes())
		checkHeader(t, header, []string{
			"user_id", "username", "email", "student_key", "full_name", "course_id", "track", "cohort",
			"number of videos overall", "number of videos last week",
			"number of problems overall", "number of problems last week",
			"number of correct problems overall", "number of correct problems last week",
			"number of problem attempts overall", "number of problem attempts last week",
			"number of forum posts overall", "number of forum posts last week",
			"date last active",
			"name-abcd9876", "grade-abcd9876",
			"course grade letter", "course grade numeric",
		})
		if len(rows) != 2 {
			t.Fatalf("failed! %d rows; want 2", len(rows))
		}
		checkCells(t, rows[0], map[string]string{
			"user_id": pendo.ID, "username": "pendo", "email": "pendo@test.cd", "student_key": "STU-0099",
			"full_name": "Pendo Hassan", "course_id": courseID, "track": enroll.TrackMasters, "cohort": "beta",
			"number of videos overall":   "12",
			"number of videos last week": "3",
			"number of problems overall": "0",
			"date last active":           "2026-08-20",
			"name-abcd9876":              "Case Studies",
			"grade-abcd9876":             "8",
			"course grade letter":        "B",
			"course grade numeric":       "0.85",
		})
		// learners the analytics pipeline never saw default to zero
		checkCells(t, rows[1], map[string]string{
			"username": "tatu", "student_key": "STU-0100",
			"number of videos overall": "0",
			"date last active":         "0",
			"grade-abcd9876":           "",
			"course grade letter":      "",
			"course grade numeric":     "0",
		})
	})

	t.Run("Cohort filter", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, basePath+"?cohort=beta", staffToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("failed! code = %v; wantCode %v", rec.Code, http.StatusOK)
		}
		_, rows := decodeCSV(t, rec.Body.Bytes())
		if len(rows) != 1 || rows[0]["username"] != "pendo" {
			t.Errorf("failed! rows = %v; want pendo only", rows)
		}
	})
}
