package models

// User is the identity record of one account. Username is the unique key
// and is used as the foreign key everywhere else; OwnerID is assigned once
// at creation and survives renames, so ownership of previously created
// resources is never lost.
type User struct {
	Username    string
	HashVersion string
	Salt        string
	Hash        string
	OwnerID     string
	Admin       bool
	Meta        map[string]any
}
