// Package sentinel reads, writes and validates project identity tokens.
//
// # Overview
//
// Every project directory on the file share carries a small marker file
// named .geo_office_project. Its content is either empty, arbitrary text,
// or a canonical UUID that names the project across renames and moves.
// The reconciler uses that token to recognise a project no matter where
// its directory currently lives.
//
// # Validation
//
// Only the hyphenated 36-character form is accepted. Surrounding
// whitespace is ignored, braces are never stored:
//
//	sentinel.IsValidIdentity("11111111-1111-1111-1111-111111111111") // true
//	sentinel.IsValidIdentity(" 11111111-1111-1111-1111-111111111111\n") // true
//	sentinel.IsValidIdentity("{11111111-1111-1111-1111-111111111111}") // false
//	sentinel.IsValidIdentity("") // false
//
// # Usage
//
//	token, err := sentinel.ReadIdentity(sentinel.Path(projectDir))
//	if err != nil {
//	    return err
//	}
//	if !sentinel.IsValidIdentity(token) {
//	    token, err = sentinel.AssignIdentity(sentinel.Path(projectDir))
//	}
//
// The functions keep no state, so reads and writes on different files may
// run concurrently.
package sentinel
