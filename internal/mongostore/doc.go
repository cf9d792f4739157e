// Package mongostore is the MongoDB storage backend.
//
// Layout inside one database:
//
//	events              one document per event, _id is the event uuid,
//	                    unique on (stream, position)
//	counters            last assigned position per stream
//	collections         declared document collections
//	indexes             declared document indexes (filter.IndexSpec)
//	docs_<collection>   {_id, data, metadata, version}
//
// Filters compile to $expr aggregation expressions rather than query
// operators, so array fields are never traversed implicitly and the results
// agree with filter.Match. Sessions commit through session.WithTransaction,
// which needs a replica set.
package mongostore
