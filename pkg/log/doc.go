/*
Package log provides structured logging for peleka using zerolog.

Component loggers attach host/service/deploy-id fields once so every
subsequent call site doesn't have to repeat them.
*/
package log
