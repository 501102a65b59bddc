/*
Package config holds the configuration file definitions.

Crow uses a single config file, crow.conf, in "sconf" format. Properties of
sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

An annotated empty config file can be printed with "crow config describe".
*/
package config

