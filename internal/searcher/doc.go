// Package searcher answers book queries.
//
// A query names one of four modes. Each mode has its own Retriever:
//
//   - similarity: embed the term, then nearest books by L2 distance (at most
//     100 raw candidates), ties broken by newer year first
//   - author / publisher: case-insensitive substring match, ordered by year
//     descending, then rating count, then average rating
//   - isbn: exact, case-sensitive lookup returning at most one book
//
// Every candidate carries its rating aggregate (mean and count of non-zero
// scores). Rank then caps each title at two entries and truncates to 15
// results for similarity or 20 for the other modes. Similarity output is
// non-decreasing in distance; relational output keeps the store's order.
//
// Unknown years are stored as 0 and always sort after known years.
package searcher
