// Package calendar is the parsed model of a stored calendar resource.
//
// A resource holds exactly one master component plus any number of
// overridden instances keyed by RECURRENCE-ID. Parse validates and
// normalises the text so every timestamp of an object is resolved in the
// location of its DTSTART; Serialize renders the model back to iCalendar.
package calendar
