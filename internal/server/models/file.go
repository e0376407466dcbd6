package models

// File is the metadata record of one stored file. Path is the unique key
// the client sees; RealName is the opaque blob object key the data actually
// lives under, so renames never move bytes.
type File struct {
	Path     string
	Folder   string
	Name     string
	Owner    string
	RealName string
	Meta     map[string]any
}
