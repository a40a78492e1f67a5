package model

import "maps"

// idField holds the identifier inside the stored hash so that an object
// without fields still exists.
const idField = "_id"

// Object is a stored instance: an identifier plus string fields.
type Object struct {
	Class  string
	ID     string
	Fields map[string]string
}

// New returns an object of class with the given fields.
func New(class, id string, fields map[string]string) *Object {
	return &Object{Class: class, ID: id, Fields: maps.Clone(fields)}
}

// Identifier returns the object identifier.
func (o *Object) Identifier() string {
	return o.ID
}

// FieldValue returns the named field, false when unset.
func (o *Object) FieldValue(field string) (string, bool) {
	v, ok := o.Fields[field]
	return v, ok
}

// Get returns the named field or "".
func (o *Object) Get(field string) string {
	return o.Fields[field]
}

// Set assigns a field and returns the previous value.
func (o *Object) Set(field, value string) string {
	if o.Fields == nil {
		o.Fields = make(map[string]string)
	}
	old := o.Fields[field]
	o.Fields[field] = value
	return old
}
