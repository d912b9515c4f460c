// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for identity construction.
var (
	// ErrInvalidIdentity indicates missing or malformed naming fields.
	ErrInvalidIdentity = errors.New("invalid source identity")

	// ErrLocalPathBound indicates a second, different local path was bound.
	ErrLocalPathBound = errors.New("local cache path already bound")
)

// objectNamePattern is the host's object name charset: a letter or one of
// $#@, then up to nine letters, digits, $#@_ or periods. It rules out "."
// and ".." as library, file or member names.
var objectNamePattern = regexp.MustCompile(`^[A-Z$#@][A-Z0-9$#@_.]{0,9}$`)

// identityValidate checks field formats via struct tags and the
// class-dependent population rule via a struct-level validation.
var identityValidate *validator.Validate

func init() {
	identityValidate = validator.New()
	if err := identityValidate.RegisterValidation("objname", validateObjectName); err != nil {
		panic(fmt.Sprintf("register objname validation: %v", err))
	}
	identityValidate.RegisterStructValidation(validateClassFields, Identity{})
}

// validateObjectName implements the "objname" tag.
func validateObjectName(fl validator.FieldLevel) bool {
	return objectNamePattern.MatchString(fl.Field().String())
}

// validateClassFields enforces that exactly one naming scheme is populated:
// qualifier+object+member for ContainerHost, remote path otherwise.
func validateClassFields(sl validator.StructLevel) {
	id := sl.Current().Interface().(Identity)

	switch id.Class {
	case ContainerHost:
		if id.Qualifier == "" {
			sl.ReportError(id.Qualifier, "Qualifier", "Qualifier", "required_for_container", "")
		}
		if id.Object == "" {
			sl.ReportError(id.Object, "Object", "Object", "required_for_container", "")
		}
		if id.Member == "" {
			sl.ReportError(id.Member, "Member", "Member", "required_for_container", "")
		}
		if id.RemotePath != "" {
			sl.ReportError(id.RemotePath, "RemotePath", "RemotePath", "excluded_for_container", "")
		}
	case HierarchicalFS, LocalFS:
		if id.RemotePath == "" {
			sl.ReportError(id.RemotePath, "RemotePath", "RemotePath", "required_for_path", "")
		}
		if id.Qualifier != "" || id.Object != "" || id.Member != "" {
			sl.ReportError(id.Qualifier, "Qualifier", "Qualifier", "excluded_for_path", "")
		}
		if id.RecordLength != 0 {
			sl.ReportError(id.RecordLength, "RecordLength", "RecordLength", "excluded_for_path", "")
		}
		if strings.Contains(id.RemotePath, "\x00") {
			sl.ReportError(id.RemotePath, "RemotePath", "RemotePath", "nul", "")
		}
		if id.Class == HierarchicalFS && id.RemotePath != "" &&
			(!strings.HasPrefix(id.RemotePath, "/") || path.Clean(id.RemotePath) != id.RemotePath) {
			sl.ReportError(id.RemotePath, "RemotePath", "RemotePath", "clean_absolute", "")
		}
	default:
		sl.ReportError(id.Class, "Class", "Class", "oneof", "")
	}
}

// Validate checks an identity against the naming rules of its class.
//
// # Outputs
//
//   - error: nil when valid, otherwise ErrInvalidIdentity wrapping the
//     list of failing fields.
func Validate(id Identity) error {
	err := identityValidate.Struct(id)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidIdentity, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
}
