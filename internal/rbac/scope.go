package rbac

// inScope is the single predicate behind both tenant guards: a role may be used inside organization
// target when it is global or belongs to target.
func inScope(roleOrganizationID, target string) bool {
	return roleOrganizationID == "" || roleOrganizationID == target
}

// ValidateScope guards assignment creation.
func ValidateScope(role Role, organizationID string) error {
	if inScope(role.OrganizationID, organizationID) {
		return nil
	}
	return &CrossTenantAssignmentError{
		RoleID:             role.ID,
		RoleOrganizationID: role.OrganizationID,
		OrganizationID:     organizationID,
	}
}

// ValidateHierarchyScope guards child creation and reparenting.
func ValidateHierarchyScope(parent Role, childOrganizationID string) error {
	return validateHierarchyScope("", parent, childOrganizationID)
}

func validateHierarchyScope(childID string, parent Role, childOrganizationID string) error {
	if inScope(parent.OrganizationID, childOrganizationID) {
		return nil
	}
	return &CrossTenantHierarchyError{
		RoleID:               childID,
		ParentRoleID:         parent.ID,
		OrganizationID:       childOrganizationID,
		ParentOrganizationID: parent.OrganizationID,
	}
}
