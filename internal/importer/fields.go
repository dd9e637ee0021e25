package importer

// Target field names a mapping may produce. Source headers vary per school;
// these are the platform-side names everything downstream agrees on.
const (
	FieldFullName     = "full_name"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldMatricule    = "matricule"
	FieldSchoolYear   = "current_school_year"
	FieldDateOfBirth  = "date_of_birth"
	FieldLevel        = "level"
	FieldDepartment   = "department"
	FieldProgram      = "program"
	FieldParentName1  = "parent_name_1"
	FieldParentPhone1 = "parent_phone_1"
	FieldParentName2  = "parent_name_2"
	FieldParentPhone2 = "parent_phone_2"
	FieldAddress      = "address"
)
