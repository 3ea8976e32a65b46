package imports

const defaultRoot = "."
