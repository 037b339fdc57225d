// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity provides the raven/identity/users, raven/identity/groups
// and raven/identity/sudo namespaces over an in-process account database.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/dispatch"
	"golang.org/x/crypto/bcrypt"
)

// Namespace paths.
const (
	UsersNamespace  = "raven/identity/users"
	GroupsNamespace = "raven/identity/groups"
)

// ProviderCodeInvalidState is reported when an operation does not apply
// to the current state, such as locking a locked account.
const ProviderCodeInvalidState = "InvalidState"

const (
	firstID    = 1000
	opTimeout  = 2 * time.Second
	defaultSh  = "/bin/sh"
	homePrefix = "/home/"
)

var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// User is the script-visible view of an account. The password hash is
// never returned.
type User struct {
	Username    string   `json:"username"`
	UID         int      `json:"uid"`
	Shell       string   `json:"shell"`
	Home        string   `json:"home"`
	Groups      []string `json:"groups"`
	Locked      bool     `json:"locked"`
	HasPassword bool     `json:"hasPassword"`
}

// Group is the script-visible view of a group.
type Group struct {
	Name    string   `json:"name"`
	GID     int      `json:"gid"`
	Members []string `json:"members"`
}

type account struct {
	User
	hash []byte
}

// Directory is the account database. A single mutex serializes mutations.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]*account
	groups map[string]*Group
	rules  map[string]*SudoRule
	cost   int
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users:  make(map[string]*account),
		groups: make(map[string]*Group),
		rules:  make(map[string]*SudoRule),
		cost:   bcrypt.DefaultCost,
	}
}

func notFound(kind, name string) error {
	return dispatch.Errorf(dispatch.ProviderCodeNotFound, "%s %q does not exist", kind, name)
}

func exists(kind, name string) error {
	return dispatch.Errorf(dispatch.ProviderCodeAlreadyExists, "%s %q already exists", kind, name)
}

func invalidName(kind, name string) error {
	return dispatch.Errorf(dispatch.ProviderCodeInvalidArgument, "%s name %q must match %s", kind, name, namePattern)
}

// view copies the user with its groups sorted. Callers hold d.mu.
func (d *Directory) view(a *account) User {
	u := a.User
	u.Groups = append([]string{}, a.Groups...)
	sort.Strings(u.Groups)
	return u
}

func (d *Directory) nextUID() int {
	used := make(map[int]bool, len(d.users))
	for _, a := range d.users {
		used[a.UID] = true
	}
	id := firstID
	for used[id] {
		id++
	}
	return id
}

func (d *Directory) nextGID() int {
	used := make(map[int]bool, len(d.groups))
	for _, g := range d.groups {
		used[g.GID] = true
	}
	id := firstID
	for used[id] {
		id++
	}
	return id
}

func (d *Directory) checkGroups(groups []string) error {
	for _, g := range groups {
		if _, ok := d.groups[g]; !ok {
			return notFound("group", g)
		}
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

type addUserInput struct {
	Username string   `json:"username" jsonschema:"minLength=1,maxLength=32"`
	UID      int      `json:"uid,omitempty" jsonschema:"minimum=0"`
	Groups   []string `json:"groups,omitempty"`
	Shell    string   `json:"shell,omitempty"`
	Home     string   `json:"home,omitempty"`
}

// AddUser creates an account. The username and an explicit uid must be
// unused.
func (d *Directory) AddUser(_ context.Context, in addUserInput) (User, error) {
	if !namePattern.MatchString(in.Username) {
		return User{}, invalidName("user", in.Username)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[in.Username]; ok {
		return User{}, exists("user", in.Username)
	}
	uid := in.UID
	if uid == 0 {
		uid = d.nextUID()
	} else {
		for _, a := range d.users {
			if a.UID == uid {
				return User{}, dispatch.Errorf(dispatch.ProviderCodeAlreadyExists, "uid %d is taken by %q", uid, a.Username)
			}
		}
	}
	groups := dedupe(in.Groups)
	if err := d.checkGroups(groups); err != nil {
		return User{}, err
	}
	a := &account{User: User{
		Username: in.Username,
		UID:      uid,
		Shell:    in.Shell,
		Home:     in.Home,
		Groups:   groups,
	}}
	if a.Shell == "" {
		a.Shell = defaultSh
	}
	if a.Home == "" {
		a.Home = homePrefix + in.Username
	}
	d.users[in.Username] = a
	return d.view(a), nil
}

type usernameInput struct {
	Username string `json:"username" jsonschema:"minLength=1"`
}

// DeleteUser removes an account, its group memberships and its sudo rule.
func (d *Directory) DeleteUser(_ context.Context, in usernameInput) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[in.Username]; !ok {
		return false, notFound("user", in.Username)
	}
	delete(d.users, in.Username)
	delete(d.rules, in.Username)
	return true, nil
}

type modifyUserInput struct {
	Username string    `json:"username" jsonschema:"minLength=1"`
	Shell    *string   `json:"shell,omitempty"`
	Home     *string   `json:"home,omitempty"`
	Groups   *[]string `json:"groups,omitempty"`
}

// ModifyUser replaces the given fields. Omitted fields are kept.
func (d *Directory) ModifyUser(_ context.Context, in modifyUserInput) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.users[in.Username]
	if !ok {
		return User{}, notFound("user", in.Username)
	}
	if in.Groups != nil {
		groups := dedupe(*in.Groups)
		if err := d.checkGroups(groups); err != nil {
			return User{}, err
		}
		a.Groups = groups
	}
	if in.Shell != nil {
		a.Shell = *in.Shell
	}
	if in.Home != nil {
		a.Home = *in.Home
	}
	return d.view(a), nil
}

// GetUser returns one account.
func (d *Directory) GetUser(_ context.Context, in usernameInput) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.users[in.Username]
	if !ok {
		return User{}, notFound("user", in.Username)
	}
	return d.view(a), nil
}

type empty struct{}

// ListUsers returns every account sorted by username.
func (d *Directory) ListUsers(context.Context, empty) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.users))
	for _, a := range d.users {
		out = append(out, d.view(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (d *Directory) setLocked(username string, locked bool) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.users[username]
	if !ok {
		return User{}, notFound("user", username)
	}
	if a.Locked == locked {
		state := "unlocked"
		if locked {
			state = "locked"
		}
		return User{}, dispatch.Errorf(ProviderCodeInvalidState, "user %q is already %s", username, state)
	}
	a.Locked = locked
	return d.view(a), nil
}

// LockUser disables password login.
func (d *Directory) LockUser(_ context.Context, in usernameInput) (User, error) {
	return d.setLocked(in.Username, true)
}

// UnlockUser re-enables password login.
func (d *Directory) UnlockUser(_ context.Context, in usernameInput) (User, error) {
	return d.setLocked(in.Username, false)
}

type passwordInput struct {
	Username string `json:"username" jsonschema:"minLength=1"`
	Password string `json:"password" jsonschema:"minLength=8,maxLength=72"`
}

// SetPassword stores a bcrypt hash of the password.
func (d *Directory) SetPassword(_ context.Context, in passwordInput) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), d.cost)
	if err != nil {
		return false, dispatch.Errorf(dispatch.ProviderCodeInvalidArgument, "password: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.users[in.Username]
	if !ok {
		return false, notFound("user", in.Username)
	}
	a.hash = hash
	a.HasPassword = true
	return true, nil
}

// VerifyPassword reports whether password matches. Locked accounts never
// match.
func (d *Directory) VerifyPassword(_ context.Context, in passwordInput) (bool, error) {
	d.mu.RLock()
	a, ok := d.users[in.Username]
	var hash []byte
	locked := false
	if ok {
		hash = a.hash
		locked = a.Locked
	}
	d.mu.RUnlock()
	if !ok {
		return false, notFound("user", in.Username)
	}
	if locked || hash == nil {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(in.Password)) == nil, nil
}

type addGroupInput struct {
	Name string `json:"name" jsonschema:"minLength=1,maxLength=32"`
	GID  int    `json:"gid,omitempty" jsonschema:"minimum=0"`
}

// AddGroup creates a group.
func (d *Directory) AddGroup(_ context.Context, in addGroupInput) (Group, error) {
	if !namePattern.MatchString(in.Name) {
		return Group{}, invalidName("group", in.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[in.Name]; ok {
		return Group{}, exists("group", in.Name)
	}
	gid := in.GID
	if gid == 0 {
		gid = d.nextGID()
	} else {
		for _, g := range d.groups {
			if g.GID == gid {
				return Group{}, dispatch.Errorf(dispatch.ProviderCodeAlreadyExists, "gid %d is taken by %q", gid, g.Name)
			}
		}
	}
	g := &Group{Name: in.Name, GID: gid}
	d.groups[in.Name] = g
	return d.groupView(g), nil
}

type groupInput struct {
	Name string `json:"name" jsonschema:"minLength=1"`
}

// DeleteGroup removes an empty group.
func (d *Directory) DeleteGroup(_ context.Context, in groupInput) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[in.Name]
	if !ok {
		return false, notFound("group", in.Name)
	}
	if members := d.groupView(g).Members; len(members) > 0 {
		return false, dispatch.Errorf(ProviderCodeInvalidState, "group %q still has %d member(s)", in.Name, len(members))
	}
	delete(d.groups, in.Name)
	delete(d.rules, "%"+in.Name)
	return true, nil
}

// groupView lists the members of g. Callers hold d.mu.
func (d *Directory) groupView(g *Group) Group {
	out := Group{Name: g.Name, GID: g.GID, Members: []string{}}
	for _, a := range d.users {
		for _, name := range a.Groups {
			if name == g.Name {
				out.Members = append(out.Members, a.Username)
				break
			}
		}
	}
	sort.Strings(out.Members)
	return out
}

// GetGroup returns one group with its members.
func (d *Directory) GetGroup(_ context.Context, in groupInput) (Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[in.Name]
	if !ok {
		return Group{}, notFound("group", in.Name)
	}
	return d.groupView(g), nil
}

// ListGroups returns every group sorted by name.
func (d *Directory) ListGroups(context.Context, empty) ([]Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, d.groupView(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type membershipInput struct {
	Name     string `json:"name" jsonschema:"minLength=1"`
	Username string `json:"username" jsonschema:"minLength=1"`
}

// AddMember adds a user to a group.
func (d *Directory) AddMember(_ context.Context, in membershipInput) (Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[in.Name]
	if !ok {
		return Group{}, notFound("group", in.Name)
	}
	a, ok := d.users[in.Username]
	if !ok {
		return Group{}, notFound("user", in.Username)
	}
	for _, name := range a.Groups {
		if name == in.Name {
			return Group{}, dispatch.Errorf(dispatch.ProviderCodeAlreadyExists, "user %q is already in group %q", in.Username, in.Name)
		}
	}
	a.Groups = append(a.Groups, in.Name)
	return d.groupView(g), nil
}

// RemoveMember removes a user from a group.
func (d *Directory) RemoveMember(_ context.Context, in membershipInput) (Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[in.Name]
	if !ok {
		return Group{}, notFound("group", in.Name)
	}
	a, ok := d.users[in.Username]
	if !ok {
		return Group{}, notFound("user", in.Username)
	}
	for i, name := range a.Groups {
		if name == in.Name {
			a.Groups = append(a.Groups[:i:i], a.Groups[i+1:]...)
			return d.groupView(g), nil
		}
	}
	return Group{}, dispatch.Errorf(dispatch.ProviderCodeNotFound, "user %q is not in group %q", in.Username, in.Name)
}

func (d *Directory) userOps() []capability.Operation {
	to := capability.WithTimeout(opTimeout)
	return []capability.Operation{
		capability.Op(UsersNamespace, "add", d.AddUser, to,
			capability.WithDescription("Create an account; fails with AlreadyExists when the username or uid is taken.")),
		capability.Op(UsersNamespace, "delete", d.DeleteUser, to,
			capability.WithDescription("Remove an account and its group memberships.")),
		capability.Op(UsersNamespace, "modify", d.ModifyUser, to,
			capability.WithDescription("Change the shell, home or supplementary groups of an account.")),
		capability.Op(UsersNamespace, "get", d.GetUser, to, capability.WithIdempotent(),
			capability.WithDescription("Return one account.")),
		capability.Op(UsersNamespace, "list", d.ListUsers, to, capability.WithIdempotent(),
			capability.WithDescription("Return every account sorted by username.")),
		capability.Op(UsersNamespace, "lock", d.LockUser, to,
			capability.WithDescription("Disable password login.")),
		capability.Op(UsersNamespace, "unlock", d.UnlockUser, to,
			capability.WithDescription("Re-enable password login.")),
		capability.Op(UsersNamespace, "setPassword", d.SetPassword, to, capability.WithIdempotent(),
			capability.WithDescription("Store a bcrypt hash of the password.")),
		capability.Op(UsersNamespace, "verifyPassword", d.VerifyPassword, to, capability.WithIdempotent(),
			capability.WithDescription("Check a password; locked accounts never match.")),
	}
}

func (d *Directory) groupOps() []capability.Operation {
	to := capability.WithTimeout(opTimeout)
	return []capability.Operation{
		capability.Op(GroupsNamespace, "add", d.AddGroup, to,
			capability.WithDescription("Create a group; fails with AlreadyExists when the name or gid is taken.")),
		capability.Op(GroupsNamespace, "delete", d.DeleteGroup, to,
			capability.WithDescription("Remove a group without members.")),
		capability.Op(GroupsNamespace, "get", d.GetGroup, to, capability.WithIdempotent(),
			capability.WithDescription("Return one group with its members.")),
		capability.Op(GroupsNamespace, "list", d.ListGroups, to, capability.WithIdempotent(),
			capability.WithDescription("Return every group sorted by name.")),
		capability.Op(GroupsNamespace, "addMember", d.AddMember, to,
			capability.WithDescription("Add a user to a group.")),
		capability.Op(GroupsNamespace, "removeMember", d.RemoveMember, to,
			capability.WithDescription("Remove a user from a group.")),
	}
}

// Providers registers the identity namespaces in r and returns their providers
// keyed by namespace path.
func (d *Directory) Providers(r *capability.Registry) (map[string]dispatch.Provider, error) {
	out := make(map[string]dispatch.Provider, 3)
	for _, ns := range []struct {
		meta capability.Namespace
		ops  []capability.Operation
	}{
		{capability.Namespace{Path: UsersNamespace, Identifier: "users", Description: "Local user accounts", Version: "1.0"}, d.userOps()},
		{capability.Namespace{Path: GroupsNamespace, Identifier: "groups", Description: "Local groups", Version: "1.0"}, d.groupOps()},
		{capability.Namespace{Path: SudoNamespace, Identifier: "sudo", Description: "Sudo rules for users and groups", Version: "1.0"}, d.sudoOps()},
	} {
		if err := r.RegisterNamespace(ns.meta); err != nil {
			return nil, err
		}
		handlers, err := r.RegisterOps(ns.ops...)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", ns.meta.Path, err)
		}
		out[ns.meta.Path] = dispatch.Ops(handlers)
	}
	return out, nil
}

// Install registers the identity namespaces and their providers.
func Install(r *capability.Registry, b *dispatch.Bridge, d *Directory) error {
	providers, err := d.Providers(r)
	if err != nil {
		return err
	}
	for ns, p := range providers {
		if err := b.RegisterProvider(ns, p); err != nil {
			return err
		}
	}
	return nil
}
