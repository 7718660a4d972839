// Package inmemdb provides map-backed repositories for tests and local
// experiments. Ordering guarantees match the SQL repositories.
package inmemdb

import (
	"strconv"
	"sync"
	"time"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
	"github.com/trezcool/alama/core/grades"
	"github.com/trezcool/alama/core/user"
)

type scoreKey struct {
	userID   string
	courseID string
	blockID  string
}

type overriderRow struct {
	userID string
	at     time.Time
}

// DB is a shared in-memory database; repositories created from the same
// DB see each other's writes.
type DB struct {
	mutex sync.RWMutex
	pk    int

	users       map[string]user.User // keyed by ID
	learners    []enroll.Learner
	courseRoles []enroll.CourseRole
	scores      map[scoreKey]grades.Score
	overriders  map[string][]overriderRow // keyed by score ID, appended chronologically
	operations  map[string]csvtask.Operation
	opOrder     []string // operation IDs in creation order
}

func NewDB() *DB {
	return &DB{
		users:      make(map[string]user.User),
		scores:     make(map[scoreKey]grades.Score),
		overriders: make(map[string][]overriderRow),
		operations: make(map[string]csvtask.Operation),
	}
}

func (db *DB) nextPK() string {
	db.pk++
	return strconv.Itoa(db.pk)
}

// AddUser stores a platform account, assigning an ID when none is set.
func (db *DB) AddUser(usr user.User) user.User {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if usr.ID == "" {
		usr.ID = db.nextPK()
	}
	now := time.Now().UTC()
	if usr.CreatedAt.IsZero() {
		usr.CreatedAt = now
	}
	if usr.UpdatedAt.IsZero() {
		usr.UpdatedAt = now
	}
	db.users[usr.ID] = usr
	return usr
}

// AddLearner stores a course enrollment.
func (db *DB) AddLearner(learner enroll.Learner) enroll.Learner {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if learner.UserID == "" {
		learner.UserID = db.nextPK()
	}
	db.learners = append(db.learners, learner)
	return learner
}

// AddCourseRole grants a user a role within a course.
func (db *DB) AddCourseRole(role enroll.CourseRole) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.courseRoles = append(db.courseRoles, role)
}
