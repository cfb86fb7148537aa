package main

import (
	"regexp"
	"unicode/utf8"
)

var emailRegexp = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

const msgRequired = "This field is required."

type validator struct {
	errors map[string]string
}

func newValidator() *validator {
	return &validator{
		errors: make(map[string]string),
	}
}

// toError returns nil when every check passed.
func (v *validator) toError() error {
	if v == nil || !v.hasErrors() {
		return nil
	}
	return &validationError{Fields: v.errors}
}

func (v *validator) hasErrors() bool {
	return len(v.errors) != 0
}

// checkCond records msg under key unless cond holds. Only the first failure
// per key is kept.
func (v *validator) checkCond(cond bool, key, msg string) {
	if cond {
		return
	}
	if _, ok := v.errors[key]; !ok {
		v.errors[key] = msg
	}
}

func (v *validator) checkRequired(value, key string) {
	v.checkCond(value != "", key, msgRequired)
}

func (v *validator) checkName(name string) {
	v.checkRequired(name, "name")
	v.checkCond(utf8.RuneCountInString(name) <= 255, "name", "must be atmost 255 characters")
}

func (v *validator) checkEmail(email string) {
	v.checkRequired(email, "email")
	v.checkCond(emailRegexp.MatchString(email), "email", "must be a valid email address")
}

func (v *validator) checkPassword(password string) {
	v.checkRequired(password, "password")
	v.checkCond(len(password) >= 6, "password", "must be atleast 6 characters long")
	v.checkCond(len(password) <= 72, "password", "must be atmost 72 characters long")
}

func (v *validator) checkConfirm(password, confirm string) {
	v.checkRequired(confirm, "confirm")
	v.checkCond(password == confirm, "confirm", "Passwords must match.")
}
