package main

import (
	"context"
	"fmt"

	"github.com/trezcool/alama/core/auth"
	"github.com/trezcool/alama/core/user"
)

// token mints a JWT the API accepts, for support work and local development.
// The account is looked up unless both -user and -username are given.
func (cli *commandLine) token(id, uname, email string, teacher, admin bool) error {
	var usr user.User
	var err error
	ctx := context.Background()

	switch {
	case id != "" && uname != "":
		usr = user.User{ID: id, Username: uname, Email: email}
	case id != "":
		if usr, err = cli.usrSvc.GetByID(ctx, id); err != nil {
			return err
		}
	default:
		if usr, err = cli.usrSvc.GetByUsername(ctx, uname); err != nil {
			return err
		}
	}
	if teacher {
		usr.Roles = append(usr.Roles, user.RoleTeacher)
	}
	if admin {
		usr.Roles = append(usr.Roles, user.RoleAdminPrincipal)
	}

	ss, err := auth.GenerateToken(auth.GetUserClaims(usr))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ss)
	return nil
}
