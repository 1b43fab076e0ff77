package fusespectrum

// Version is stamped into the producer/creator fields of saved images.
const Version = "1.0.0"
