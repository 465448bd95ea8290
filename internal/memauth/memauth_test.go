package memauth

import (
	"context"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	db := New()
	if err := db.AddUser("user", "password"); err != nil {
		t.Fatal(err)
	}

	ok, err := db.Authenticate("user", "password")
	if err != nil || !ok {
		t.Errorf("Authenticate(correct) = %v, %v", ok, err)
	}

	ok, err = db.Authenticate("user", "wrong")
	if err != nil || ok {
		t.Errorf("Authenticate(wrong password) = %v, %v", ok, err)
	}

	ok, err = db.Authenticate("nobody", "password")
	if err != nil || ok {
		t.Errorf("Authenticate(unknown user) = %v, %v", ok, err)
	}
}

func TestExistsAndRemove(t *testing.T) {
	db := New()
	db.AddUser("user", "password")

	if !db.Exists("user") {
		t.Error("expected user to exist")
	}
	db.RemoveUser("user")
	if db.Exists("user") {
		t.Error("expected user to be removed")
	}
}

func TestCallback(t *testing.T) {
	db := New()
	db.AddUser("user", "password")
	cb := db.Callback()

	res, err := cb(context.Background(), "user", "password")
	if err != nil || !res.OK || res.Identity != "user" {
		t.Errorf("Callback(correct) = %+v, %v", res, err)
	}

	res, err = cb(context.Background(), "user", "bad")
	if err != nil || res.OK {
		t.Errorf("Callback(wrong) = %+v, %v", res, err)
	}
}
