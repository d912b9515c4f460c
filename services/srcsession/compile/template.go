// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// Template variables understood by Expand.
const (
	VarLibrary    = "&OPENLIB"
	VarSourceFile = "&OPENSPF"
	VarMember     = "&OPENMBR"
	VarExtension  = "&OPENEXT"
	VarFullPath   = "&FULLPATH"
	VarName       = "&NAME"
)

// Expand substitutes identity fields into a compile command template.
//
// # Description
//
// Container members fill &OPENLIB, &OPENSPF, &OPENMBR and &OPENEXT; stream
// files fill &FULLPATH. &NAME is the member name, or the stream file base
// name without its suffix, upper-cased. Variables with no value for the
// identity's class expand to the empty string. Unknown &-tokens are left
// untouched.
func Expand(template string, id identity.Identity) string {
	name := id.Member
	if id.Class != identity.ContainerHost {
		base := path.Base(filepath.ToSlash(id.RemotePath))
		name = strings.ToUpper(strings.TrimSuffix(base, path.Ext(base)))
	}

	r := strings.NewReplacer(
		VarLibrary, id.Qualifier,
		VarSourceFile, id.Object,
		VarMember, id.Member,
		VarExtension, id.Extension,
		VarFullPath, id.RemotePath,
		VarName, name,
	)
	return r.Replace(template)
}
