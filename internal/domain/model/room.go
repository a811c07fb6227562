package model

// Room — ключ логической широковещательной группы в real-time канале.
type Room string

// IdentityRoom — персональная комната субъекта: "role-id".
func IdentityRoom(role Role, id string) Room {
	return Room(string(role) + "-" + id)
}

// InstituteRoom — комната рассылки по учреждению для роли: "role-instituteId".
func InstituteRoom(role Role, instituteID string) Room {
	return Room(string(role) + "-" + instituteID)
}

// ClassRoom — комната класса/секции: "instituteId-class-section".
func ClassRoom(instituteID, class, section string) Room {
	return Room(instituteID + "-" + class + "-" + section)
}
