// Package mongo implements store.Store on the official MongoDB driver.
// Requests are stored one document each with a version field; CASUpdate
// is a ReplaceOne filtered on that version. A partial unique index keeps
// one in-flight request per bug report and a TTL index on expires_at
// evicts terminal requests after their retention period.
//
// The caller owns the client lifecycle; Close never disconnects it:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("pipeline"))
//	s.Migrate(ctx)
package mongo
