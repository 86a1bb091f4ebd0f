// Package output renders transfer progress on a terminal board and throttles
// indicator notifications.
package output
