// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package ident

// This file contains the implementation of the cookie based identity used by
// the competition server together with the hashing that anonymizes user
// tokens on rendered pages

import (
	"fmt"
	"math/rand"
	"net/http"

	"github.com/dgryski/go-farm"
)

const (
	// CookieName is the only cookie the server ever reads or issues
	CookieName = "userId"

	// displaySalt is folded into the display name hash so that rendered
	// names cannot be mapped back to cookie tokens across tasks
	displaySalt = "__saltyAZErap"
)

// NewUserID mints the opaque token stored in the browser cookie, a random
// 32 bit value rendered as 8 lowercase hex digits
//
func NewUserID() (id string) {
	return fmt.Sprintf("%08x", rand.Uint32())
}

// FromRequest extracts the callers user token from the request cookies.  An
// empty string is returned when no identity has been issued yet.
//
func FromRequest(r *http.Request) (id string) {
	cookie, errGo := r.Cookie(CookieName)
	if errGo != nil {
		return ""
	}
	return cookie.Value
}

// Issue mints a new user token and adds the Set-Cookie header carrying it to
// the pending response
//
func Issue(w http.ResponseWriter) (id string) {
	id = NewUserID()
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: id})
	return id
}

// Anonymize produces the display name shown in place of a raw user token.
// The name is a pure function of the token and the task name and is always
// exactly 8 uppercase hex digits.
//
func Anonymize(userID string, task string) (name string) {
	hash := farm.Hash64([]byte(userID + "__" + task + displaySalt))
	return fmt.Sprintf("%08X", uint32(hash))
}

// RowColor derives the background color for a users display name cell on the
// leaderboard.  The three low bytes of the token hash are masked down to
// keep the palette dark enough for white text.
//
func RowColor(userID string) (color string) {
	hash := farm.Hash64([]byte(userID))
	return fmt.Sprintf("#%02x%02x%02x", hash&0x7f, (hash>>8)&0x7f, (hash>>16)&0x7f)
}
