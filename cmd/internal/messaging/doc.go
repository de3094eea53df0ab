// Package messaging implements the buyer/seller conversation core of the marketplace:
// the conversation directory, the message store boundary with participant checks,
// read-state bookkeeping, and inbox aggregation.
//
// Every operation takes the acting user id explicitly. Persistence lives behind Store;
// live delivery is delegated to a Publisher (see package realtime).
package messaging
