// Package handler implements the gateway's HTTP surface: the inbound
// gateway handler that hands requests to the dispatcher, the registration
// API instances use to join and leave, and request logging.
package handler
