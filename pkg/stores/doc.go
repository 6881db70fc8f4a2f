// Package stores provides the SQLite persistence layer of deployd. It
// holds templates, credentials, target addresses and host groups, tasks
// with their targets, and terraform variables, and implements the store
// interfaces of the engine, credentials, terraform and inventory packages.
//
// The schema is managed with embedded golang-migrate migrations.
package stores
